package mission

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLitePersister(t *testing.T) *SQLPersister {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "missions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := NewSQLPersister(db, "sqlite")
	require.NoError(t, err)
	return p
}

func TestSQLPersisterSaveLoadRoundTrip(t *testing.T) {
	p := newSQLitePersister(t)
	ctx := context.Background()

	mc := &Context{
		MissionID:   "m1",
		ChatID:      "c1",
		UserRequest: "Summarize recent work on X",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
		Status:      StatusRunning,
		Plan:        samplePlan(),
		Notes: []*Note{
			{NoteID: "n1", Content: "evidence", SourceType: SourceDocument, Round: 1},
		},
	}
	require.NoError(t, p.SaveMission(ctx, mc))

	loaded, err := p.LoadMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mc.UserRequest, loaded.UserRequest)
	assert.Equal(t, StatusRunning, loaded.Status)
	require.NotNil(t, loaded.Plan)
	assert.Equal(t, mc.Plan.MissionGoal, loaded.Plan.MissionGoal)
	require.Len(t, loaded.Notes, 1)
	assert.Equal(t, "n1", loaded.Notes[0].NoteID)

	// Upsert replaces the row.
	mc.Status = StatusCompleted
	mc.FinalReport = "# Report"
	require.NoError(t, p.SaveMission(ctx, mc))
	loaded, err = p.LoadMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, "# Report", loaded.FinalReport)

	_, err = p.LoadMission(ctx, "missing")
	assert.Error(t, err)
}

func TestSQLPersisterListMissions(t *testing.T) {
	p := newSQLitePersister(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		chat := "c1"
		if id == "m3" {
			chat = "c2"
		}
		require.NoError(t, p.SaveMission(ctx, &Context{
			MissionID: id,
			ChatID:    chat,
			Status:    StatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := p.ListMissions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	c1, err := p.ListMissions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, c1, 2)
	assert.Equal(t, "m1", c1[0].MissionID)
}

func TestSQLPersisterLogLifecycle(t *testing.T) {
	p := newSQLitePersister(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 6; i++ {
		entry := &ExecutionLogEntry{
			LogID:     string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			AgentName: "researcher",
			Action:    "cycle",
			Status:    LogSuccess,
			Round:     i / 2,
		}
		require.NoError(t, p.AppendLogEntry(ctx, "m1", entry))
	}

	page, total, err := p.ListLogEntries(ctx, "m1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].LogID)
	assert.Equal(t, "d", page[1].LogID)

	require.NoError(t, p.DeleteLogsAfterRound(ctx, "m1", 1))
	remaining, total, err := p.ListLogEntries(ctx, "m1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for _, e := range remaining {
		assert.LessOrEqual(t, e.Round, 1)
	}
}

func TestStoreWriteThrough(t *testing.T) {
	p := newSQLitePersister(t)
	s := NewStore(p, nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Context{MissionID: "m1", UserRequest: "req"}))
	require.NoError(t, s.SetStatus(ctx, "m1", StatusPlanning, ""))
	require.NoError(t, s.AppendLog(ctx, "m1", &ExecutionLogEntry{
		AgentName: "controller", Action: "plan", Status: LogRunning,
	}))

	// A fresh store over the same database sees everything.
	s2 := NewStore(p, nil)
	snap, err := s2.Snapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, snap.Status)

	logs, total, err := s2.Logs(ctx, "m1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "plan", logs[0].Action)
}
