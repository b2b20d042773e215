package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/qerrors"
)

// SQLPersister implements Persister over PostgreSQL, MySQL, or SQLite via
// database/sql. Each mission context is one JSON row; the execution log is
// append-only rows keyed by (mission_id, log_id).
type SQLPersister struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const missionSchemaSQL = `
CREATE TABLE IF NOT EXISTS missions (
    mission_id VARCHAR(255) PRIMARY KEY,
    chat_id VARCHAR(255),
    status VARCHAR(50) NOT NULL,
    context_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_missions_chat_id ON missions(chat_id);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

CREATE TABLE IF NOT EXISTS mission_logs (
    mission_id VARCHAR(255) NOT NULL,
    log_id VARCHAR(255) NOT NULL,
    round INTEGER NOT NULL,
    entry_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mission_id, log_id)
);

CREATE INDEX IF NOT EXISTS idx_mission_logs_mission_id ON mission_logs(mission_id);
`

// NewSQLPersister wraps an open connection. The schema is created if
// missing.
func NewSQLPersister(db *sql.DB, dialect string) (*SQLPersister, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	p := &SQLPersister{db: db, dialect: dialect}
	if err := p.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

// NewSQLPersisterFromConfig opens and pings the configured database.
func NewSQLPersisterFromConfig(cfg *config.StorageConfig) (*SQLPersister, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	// Config says "sqlite" but go-sqlite3 registers as "sqlite3".
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLPersister(db, cfg.Driver)
}

func (p *SQLPersister) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// mysql cannot run multiple statements in one Exec by default.
	for _, stmt := range strings.Split(missionSchemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			// Older MySQL lacks IF NOT EXISTS on indexes; tolerate
			// duplicate-index errors there.
			if p.dialect == "mysql" && strings.Contains(strings.ToLower(stmt), "create index") {
				continue
			}
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (p *SQLPersister) rebind(query string) string {
	if p.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *SQLPersister) SaveMission(ctx context.Context, mc *Context) error {
	payload, err := json.Marshal(mc)
	if err != nil {
		return qerrors.New(qerrors.CategoryFatal, "mission", "save", "failed to serialize mission context", err)
	}

	var query string
	switch p.dialect {
	case "mysql":
		query = `
INSERT INTO missions (mission_id, chat_id, status, context_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status), context_json = VALUES(context_json), updated_at = VALUES(updated_at)`
	default:
		query = `
INSERT INTO missions (mission_id, chat_id, status, context_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (mission_id) DO UPDATE SET
    status = excluded.status,
    context_json = excluded.context_json,
    updated_at = excluded.updated_at`
	}

	_, err = p.db.ExecContext(ctx, p.rebind(query),
		mc.MissionID, mc.ChatID, string(mc.Status), string(payload), mc.CreatedAt, mc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert mission: %w", err)
	}
	return nil
}

func (p *SQLPersister) LoadMission(ctx context.Context, missionID string) (*Context, error) {
	query := p.rebind(`SELECT context_json FROM missions WHERE mission_id = ?`)

	var payload string
	err := p.db.QueryRowContext(ctx, query, missionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, qerrors.New(qerrors.CategoryNotFound, "mission", "load",
			fmt.Sprintf("mission not found: %s", missionID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mission: %w", err)
	}

	mc := &Context{}
	if err := json.Unmarshal([]byte(payload), mc); err != nil {
		return nil, qerrors.New(qerrors.CategoryFatal, "mission", "load", "failed to deserialize mission context", err)
	}
	return mc, nil
}

func (p *SQLPersister) ListMissions(ctx context.Context, chatID string) ([]*Context, error) {
	query := `SELECT context_json FROM missions ORDER BY created_at`
	args := []interface{}{}
	if chatID != "" {
		query = `SELECT context_json FROM missions WHERE chat_id = ? ORDER BY created_at`
		args = append(args, chatID)
	}

	rows, err := p.db.QueryContext(ctx, p.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var out []*Context
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan mission row: %w", err)
		}
		mc := &Context{}
		if err := json.Unmarshal([]byte(payload), mc); err != nil {
			return nil, qerrors.New(qerrors.CategoryFatal, "mission", "list", "failed to deserialize mission context", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

func (p *SQLPersister) AppendLogEntry(ctx context.Context, missionID string, entry *ExecutionLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return qerrors.New(qerrors.CategoryFatal, "mission", "append_log", "failed to serialize log entry", err)
	}

	query := p.rebind(`
INSERT INTO mission_logs (mission_id, log_id, round, entry_json, created_at)
VALUES (?, ?, ?, ?, ?)`)

	_, err = p.db.ExecContext(ctx, query,
		missionID, entry.LogID, entry.Round, string(payload), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// ListLogEntries pages the execution log in append order. limit <= 0
// returns all entries past offset.
func (p *SQLPersister) ListLogEntries(ctx context.Context, missionID string, offset, limit int) ([]*ExecutionLogEntry, int, error) {
	var total int
	countQuery := p.rebind(`SELECT COUNT(*) FROM mission_logs WHERE mission_id = ?`)
	if err := p.db.QueryRowContext(ctx, countQuery, missionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count log entries: %w", err)
	}

	if limit <= 0 {
		limit = total
	}
	query := p.rebind(`
SELECT entry_json FROM mission_logs
WHERE mission_id = ?
ORDER BY created_at, log_id
LIMIT ? OFFSET ?`)

	rows, err := p.db.QueryContext(ctx, query, missionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionLogEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan log row: %w", err)
		}
		entry := &ExecutionLogEntry{}
		if err := json.Unmarshal([]byte(payload), entry); err != nil {
			return nil, 0, qerrors.New(qerrors.CategoryFatal, "mission", "list_logs", "failed to deserialize log entry", err)
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

func (p *SQLPersister) DeleteLogsAfterRound(ctx context.Context, missionID string, round int) error {
	query := p.rebind(`DELETE FROM mission_logs WHERE mission_id = ? AND round > ?`)
	if _, err := p.db.ExecContext(ctx, query, missionID, round); err != nil {
		return fmt.Errorf("failed to truncate log entries: %w", err)
	}
	return nil
}

func (p *SQLPersister) Close() error {
	return p.db.Close()
}

var _ Persister = (*SQLPersister)(nil)
