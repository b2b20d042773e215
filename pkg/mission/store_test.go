package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil, nil)
}

func createTestMission(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &Context{
		MissionID:   id,
		UserRequest: "Summarize recent work on X",
		UseWeb:      true,
	}))
}

func TestStoreCreateAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")

	snap, err := s.Snapshot(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.False(t, snap.CreatedAt.IsZero())

	// Snapshots are copies; mutating one must not leak into the store.
	snap.UserRequest = "mutated"
	again, err := s.Snapshot(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Summarize recent work on X", again.UserRequest)

	assert.Error(t, s.Create(context.Background(), &Context{MissionID: "m1"}))
	assert.Error(t, s.Create(context.Background(), &Context{}))
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Snapshot(context.Background(), "nope")
	assert.Error(t, err)
}

func TestStoreUpdatedAtMonotonic(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")

	var stamps []time.Time
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Update(context.Background(), "m1", func(mc *Context) error {
			return nil
		}))
		snap, err := s.Snapshot(context.Background(), "m1")
		require.NoError(t, err)
		stamps = append(stamps, snap.UpdatedAt)
	}

	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]),
			"updated_at must be strictly increasing across writes")
	}
}

func TestStoreStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")

	ctx := context.Background()
	require.NoError(t, s.SetStatus(ctx, "m1", StatusPlanning, ""))
	require.NoError(t, s.SetStatus(ctx, "m1", StatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, "m1", StatusCompleted, ""))

	// Completed is sticky against anything but resume.
	err := s.SetStatus(ctx, "m1", StatusStopped, "")
	assert.Error(t, err)

	require.NoError(t, s.SetStatus(ctx, "m1", StatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, "m1", StatusFailed, "boom"))

	snap, err := s.Snapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "boom", snap.ErrorInfo)
}

func TestStoreSetPlanValidates(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")

	bad := samplePlan()
	bad.ReportOutline[1].SectionID = "intro"
	assert.Error(t, s.SetPlan(context.Background(), "m1", bad))

	require.NoError(t, s.SetPlan(context.Background(), "m1", samplePlan()))
	snap, err := s.Snapshot(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, snap.Plan)
	assert.Equal(t, "Summarize recent work on X", snap.Plan.MissionGoal)
}

func TestStoreNotesPagination(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddNote(ctx, "m1", &Note{
			Content:    "note",
			SourceType: SourceDocument,
			Round:      i,
		}))
	}

	page, total, err := s.Notes(ctx, "m1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, 1, page[0].Round)
	assert.Equal(t, 2, page[1].Round)

	all, total, err := s.Notes(ctx, "m1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 5)

	none, _, err := s.Notes(ctx, "m1", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreAppendLogAssignsIDs(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		entry := &ExecutionLogEntry{AgentName: "controller", Action: "step", Status: LogSuccess}
		require.NoError(t, s.AppendLog(ctx, "m1", entry))
		require.NotEmpty(t, entry.LogID)
		assert.False(t, seen[entry.LogID], "log_id must be unique within a mission")
		seen[entry.LogID] = true
	}

	logs, total, err := s.Logs(ctx, "m1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, total)
	assert.Len(t, logs, 20)
}

func TestStoreTruncateAfterRound(t *testing.T) {
	s := newTestStore(t)
	createTestMission(t, s, "m1")
	ctx := context.Background()

	for round := 0; round <= 3; round++ {
		require.NoError(t, s.AddNote(ctx, "m1", &Note{Content: "n", SourceType: SourceWeb, Round: round}))
		require.NoError(t, s.AppendLog(ctx, "m1", &ExecutionLogEntry{
			AgentName: "researcher", Action: "cycle", Status: LogSuccess, Round: round,
		}))
	}

	require.NoError(t, s.TruncateAfterRound(ctx, "m1", 1))

	snap, err := s.Snapshot(ctx, "m1")
	require.NoError(t, err)
	for _, n := range snap.Notes {
		assert.LessOrEqual(t, n.Round, 1)
	}
	assert.Len(t, snap.Notes, 2)
	assert.Equal(t, 1, snap.CurrentRound)

	logs, _, err := s.Logs(ctx, "m1", 0, 0)
	require.NoError(t, err)
	for _, e := range logs {
		assert.LessOrEqual(t, e.Round, 1)
	}
	assert.Len(t, logs, 2)
}
