package mission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/pkg/qerrors"
)

// Persister is the durable backing for mission state. The context row is
// written through on every mutation; log entries are append-only.
type Persister interface {
	SaveMission(ctx context.Context, mc *Context) error
	LoadMission(ctx context.Context, missionID string) (*Context, error)
	ListMissions(ctx context.Context, chatID string) ([]*Context, error)
	AppendLogEntry(ctx context.Context, missionID string, entry *ExecutionLogEntry) error
	ListLogEntries(ctx context.Context, missionID string, offset, limit int) ([]*ExecutionLogEntry, int, error)
	DeleteLogsAfterRound(ctx context.Context, missionID string, round int) error
	Close() error
}

// Store owns all live mission contexts. Each mission has a single
// exclusive writer; reads may be concurrent. Every mutation is written
// through to the Persister.
type Store struct {
	mu        sync.RWMutex
	missions  map[string]*missionState
	persister Persister
	logger    *slog.Logger
}

type missionState struct {
	mu   sync.RWMutex
	ctx  *Context
	logs []*ExecutionLogEntry
}

// NewStore builds a context store over a persister. persister may be nil
// in tests, which keeps everything in memory.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		missions:  make(map[string]*missionState),
		persister: persister,
		logger:    logger,
	}
}

// Create registers a new mission context and persists it.
func (s *Store) Create(ctx context.Context, mc *Context) error {
	if mc.MissionID == "" {
		return qerrors.New(qerrors.CategoryValidation, "mission", "create", "mission_id is required", nil)
	}
	now := time.Now().UTC()
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = now
	}
	mc.UpdatedAt = now
	if mc.Status == "" {
		mc.Status = StatusPending
	}

	s.mu.Lock()
	if _, exists := s.missions[mc.MissionID]; exists {
		s.mu.Unlock()
		return qerrors.New(qerrors.CategoryValidation, "mission", "create",
			fmt.Sprintf("mission already exists: %s", mc.MissionID), nil)
	}
	state := &missionState{ctx: mc}
	s.missions[mc.MissionID] = state
	s.mu.Unlock()

	return s.persist(ctx, state)
}

// get returns the live state, loading from the persister on a miss.
func (s *Store) get(ctx context.Context, missionID string) (*missionState, error) {
	s.mu.RLock()
	state, ok := s.missions[missionID]
	s.mu.RUnlock()
	if ok {
		return state, nil
	}

	if s.persister == nil {
		return nil, qerrors.New(qerrors.CategoryNotFound, "mission", "get",
			fmt.Sprintf("mission not found: %s", missionID), nil)
	}

	mc, err := s.persister.LoadMission(ctx, missionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.missions[missionID]; ok {
		return state, nil
	}
	state = &missionState{ctx: mc}

	// Rehydrate the log tail so log_id uniqueness checks survive restarts.
	logs, _, err := s.persister.ListLogEntries(ctx, missionID, 0, 0)
	if err != nil {
		s.logger.Warn("Failed to rehydrate execution log", "mission_id", missionID, "error", err)
	} else {
		state.logs = logs
	}

	s.missions[missionID] = state
	return state, nil
}

// Read runs fn under the mission's read lock. fn must not retain or
// mutate the context.
func (s *Store) Read(ctx context.Context, missionID string, fn func(*Context) error) error {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return fn(state.ctx)
}

// Update runs fn under the mission's write lock, bumps updated_at, and
// writes through. fn returning an error aborts without persisting.
func (s *Store) Update(ctx context.Context, missionID string, fn func(*Context) error) error {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if err := fn(state.ctx); err != nil {
		state.mu.Unlock()
		return err
	}
	state.ctx.UpdatedAt = monotonicNow(state.ctx.UpdatedAt)
	state.mu.Unlock()

	return s.persist(ctx, state)
}

// Snapshot returns a deep copy of the mission context for external
// consumers (API responses, serialization).
func (s *Store) Snapshot(ctx context.Context, missionID string) (*Context, error) {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return cloneContext(state.ctx), nil
}

// SetStatus transitions the mission status, enforcing the status graph.
func (s *Store) SetStatus(ctx context.Context, missionID string, to Status, errorInfo string) error {
	return s.Update(ctx, missionID, func(mc *Context) error {
		if !CanTransition(mc.Status, to) {
			return qerrors.New(qerrors.CategoryValidation, "mission", "set_status",
				fmt.Sprintf("illegal status transition %s -> %s", mc.Status, to), nil)
		}
		mc.Status = to
		if to == StatusFailed {
			mc.ErrorInfo = errorInfo
		} else if errorInfo == "" && to == StatusRunning {
			mc.ErrorInfo = ""
		}
		return nil
	})
}

// SetPlan validates and installs a plan.
func (s *Store) SetPlan(ctx context.Context, missionID string, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return qerrors.New(qerrors.CategoryValidation, "mission", "set_plan", "invalid plan", err)
	}
	return s.Update(ctx, missionID, func(mc *Context) error {
		mc.Plan = plan
		return nil
	})
}

// AddNote appends an evidence note, assigning note_id and created_at when
// absent.
func (s *Store) AddNote(ctx context.Context, missionID string, note *Note) error {
	return s.Update(ctx, missionID, func(mc *Context) error {
		if note.NoteID == "" {
			note.NoteID = uuid.NewString()
		}
		if note.CreatedAt.IsZero() {
			note.CreatedAt = time.Now().UTC()
		}
		mc.Notes = append(mc.Notes, note)
		return nil
	})
}

// Notes returns a page of the mission's notes in creation order.
func (s *Store) Notes(ctx context.Context, missionID string, offset, limit int) ([]*Note, int, error) {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return nil, 0, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()

	total := len(state.ctx.Notes)
	notes := paginate(state.ctx.Notes, offset, limit)
	out := make([]*Note, len(notes))
	for i, n := range notes {
		clone := *n
		out[i] = &clone
	}
	return out, total, nil
}

// AppendLog records an execution log entry, assigning log_id and
// timestamp when absent, and persists it append-only.
func (s *Store) AppendLog(ctx context.Context, missionID string, entry *ExecutionLogEntry) error {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Round == 0 {
		entry.Round = state.ctx.CurrentRound
	}
	state.logs = append(state.logs, entry)
	state.ctx.UpdatedAt = monotonicNow(state.ctx.UpdatedAt)
	state.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.AppendLogEntry(ctx, missionID, entry); err != nil {
			s.logger.Error("Failed to persist log entry", "mission_id", missionID, "log_id", entry.LogID, "error", err)
			return err
		}
	}
	return nil
}

// Logs returns a page of the execution log in append order.
func (s *Store) Logs(ctx context.Context, missionID string, offset, limit int) ([]*ExecutionLogEntry, int, error) {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return nil, 0, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()

	total := len(state.logs)
	logs := paginate(state.logs, offset, limit)
	out := make([]*ExecutionLogEntry, len(logs))
	copy(out, logs)
	return out, total, nil
}

// TruncateAfterRound removes notes and log entries with round strictly
// greater than round, both in memory and durably.
func (s *Store) TruncateAfterRound(ctx context.Context, missionID string, round int) error {
	state, err := s.get(ctx, missionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	kept := state.ctx.Notes[:0]
	for _, n := range state.ctx.Notes {
		if n.Round <= round {
			kept = append(kept, n)
		}
	}
	state.ctx.Notes = kept

	keptLogs := state.logs[:0]
	for _, e := range state.logs {
		if e.Round <= round {
			keptLogs = append(keptLogs, e)
		}
	}
	state.logs = keptLogs
	state.ctx.CurrentRound = round
	state.ctx.UpdatedAt = monotonicNow(state.ctx.UpdatedAt)
	state.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteLogsAfterRound(ctx, missionID, round); err != nil {
			return err
		}
	}
	return s.persist(ctx, state)
}

// Forget evicts a mission from memory. Its durable row remains.
func (s *Store) Forget(missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missions, missionID)
}

func (s *Store) persist(ctx context.Context, state *missionState) error {
	if s.persister == nil {
		return nil
	}
	state.mu.RLock()
	snapshot := cloneContext(state.ctx)
	state.mu.RUnlock()

	if err := s.persister.SaveMission(ctx, snapshot); err != nil {
		s.logger.Error("Failed to persist mission", "mission_id", snapshot.MissionID, "error", err)
		return err
	}
	return nil
}

// monotonicNow guarantees updated_at never goes backwards even when the
// wall clock does.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneContext(mc *Context) *Context {
	clone := *mc
	if mc.Metadata != nil {
		clone.Metadata = cloneMap(mc.Metadata)
	}
	if mc.Plan != nil {
		p := *mc.Plan
		p.ReportOutline = cloneSections(mc.Plan.ReportOutline)
		p.Steps = append([]PlanStep(nil), mc.Plan.Steps...)
		clone.Plan = &p
	}
	if mc.Notes != nil {
		clone.Notes = make([]*Note, len(mc.Notes))
		for i, n := range mc.Notes {
			nc := *n
			clone.Notes[i] = &nc
		}
	}
	clone.Pads.GoalPad = append([]string(nil), mc.Pads.GoalPad...)
	clone.Pads.ThoughtPad = append([]string(nil), mc.Pads.ThoughtPad...)
	if mc.Pads.AgentScratchpads != nil {
		clone.Pads.AgentScratchpads = make(map[string]string, len(mc.Pads.AgentScratchpads))
		for k, v := range mc.Pads.AgentScratchpads {
			clone.Pads.AgentScratchpads[k] = v
		}
	}
	return &clone
}

func cloneSections(sections []Section) []Section {
	if sections == nil {
		return nil
	}
	out := make([]Section, len(sections))
	for i, s := range sections {
		out[i] = s
		out[i].Subsections = cloneSections(s.Subsections)
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
