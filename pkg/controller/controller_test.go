package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/retrieval"
	"github.com/quillhq/quill/pkg/tools"
	"github.com/quillhq/quill/pkg/usage"
)

// fakeModel answers by structured-output schema name. It feeds the
// meter the way the real dispatcher does so cost rollups stay honest.
type fakeModel struct {
	meter *usage.Meter

	// Extraction calls beyond blockExtractionsAfter wait on gate, which
	// lets tests stop a mission mid-round.
	blockExtractionsAfter atomic.Int32
	gate                  chan struct{}
	extractions           atomic.Int32

	calls atomic.Int32

	// optimizerReply replaces the default parameter_overrides answer.
	// Set before Start.
	optimizerReply string
}

func (m *fakeModel) Dispatch(ctx context.Context, call dispatch.Call) (*llms.Result, usage.Record, error) {
	if s := call.Options.Structured; s != nil && s.Name == "extracted_notes" {
		n := m.extractions.Add(1)
		if limit := m.blockExtractionsAfter.Load(); limit > 0 && n > limit {
			select {
			case <-m.gate:
			case <-ctx.Done():
				return nil, usage.Record{}, ctx.Err()
			}
		}
	}
	m.calls.Add(1)

	rec := usage.Record{
		Provider:         "fake",
		ModelName:        "fake-model",
		PromptTokens:     10,
		CompletionTokens: 5,
		NativeTokens:     15,
		Cost:             0.001,
	}
	if call.MissionID != "" && m.meter != nil {
		m.meter.AddModelUsage(call.MissionID, rec)
	}
	return &llms.Result{Text: m.respond(call), PromptTokens: 10, CompletionTokens: 5, NativeTokens: 15}, rec, nil
}

func (m *fakeModel) respond(call dispatch.Call) string {
	if s := call.Options.Structured; s != nil {
		switch s.Name {
		case "research_questions":
			return `{"questions": ["What is known about X?"]}`
		case "report_outline":
			return `{"mission_goal": "Summarize X", "report_outline": [
				{"section_id": "s1", "title": "Findings", "description": "what the sources say", "research_strategy": "survey the evidence"}
			]}`
		case "extracted_notes":
			return `{"notes": [{"content": "X is well studied in the corpus.", "source_index": 0}], "follow_up_query": ""}`
		case "round_reflection":
			return `{"thought": "round covered the findings section", "note_judgments": {}}`
		case "note_assignments":
			return `{"assignments": {}}`
		case "parameter_overrides":
			if m.optimizerReply != "" {
				return m.optimizerReply
			}
			return `{"overrides": {}}`
		}
	}
	if call.Tier == config.TierFast {
		return "Working through the research."
	}
	return "## Findings\n\nX is well studied in the corpus [c1]."
}

// fakeTools serves canned search results; web search can be switched to
// an auth failure.
type fakeTools struct {
	mu       sync.Mutex
	webFails bool
	webCalls int
	docCalls int
}

func (f *fakeTools) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (tools.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch name {
	case "document_search":
		f.docCalls++
		content, _ := json.Marshal([]retrieval.Chunk{
			{ChunkID: "c1", DocID: "d1", Content: "X is discussed at length in the corpus."},
		})
		return tools.ToolResult{Success: true, Content: string(content), ToolName: name}, nil
	case "web_search":
		f.webCalls++
		if f.webFails {
			return tools.ToolResult{
				Success:  false,
				Content:  "The search provider's API key was rejected. Continuing with local documents only.",
				ToolName: name,
			}, nil
		}
		content, _ := json.Marshal([]tools.SearchResultItem{
			{Title: "X overview", URL: "https://example.com/x", Snippet: "X in practice."},
		})
		return tools.ToolResult{Success: true, Content: string(content), ToolName: name}, nil
	}
	return tools.ToolResult{}, fmt.Errorf("unknown tool: %s", name)
}

func testConfig() *config.Config {
	return &config.Config{
		Research: config.ResearchParams{
			InitialExplorationDocResults:       2,
			InitialExplorationWebResults:       2,
			StructuredResearchRounds:           1,
			MaxResearchCyclesPerSection:        1,
			WritingPasses:                      1,
			WritingPreviousContentPreviewChars: 500,
			MinNotesPerSectionAssignment:       1,
			MaxNotesPerSectionAssignment:       10,
			ThoughtPadContextLimit:             5,
			MaxConcurrentRequests:              2,
		},
	}
}

type fixture struct {
	controller *Controller
	store      *mission.Store
	bus        *bus.Bus
	resolver   *config.Resolver
	meter      *usage.Meter
	model      *fakeModel
	tools      *fakeTools
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(bus.WithGracePeriod(50 * time.Millisecond))
	t.Cleanup(b.Close)

	meter := usage.NewMeter(func(missionID string, delta usage.Delta, totals usage.Totals) {
		b.PublishStats(missionID, delta, totals)
	})
	resolver := config.NewResolver(testConfig())
	model := &fakeModel{meter: meter, gate: make(chan struct{})}
	executor := &fakeTools{}
	store := mission.NewStore(nil, nil)

	c := New(Deps{
		Store:    store,
		Bus:      b,
		Resolver: resolver,
		Model:    model,
		Tools:    executor,
		Meter:    meter,
	})
	t.Cleanup(c.Close)

	return &fixture{controller: c, store: store, bus: b, resolver: resolver, meter: meter, model: model, tools: executor}
}

func waitForStatus(t *testing.T, store *mission.Store, missionID string, want mission.Status) *mission.Context {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := store.Snapshot(context.Background(), missionID)
		require.NoError(t, err)
		if snapshot.Status == want {
			return snapshot
		}
		time.Sleep(10 * time.Millisecond)
	}
	snapshot, _ := store.Snapshot(context.Background(), missionID)
	t.Fatalf("mission %s never reached %s (now %s)", missionID, want, snapshot.Status)
	return nil
}

func TestHappyPathLocalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		UseWeb:          false,
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPending, mc.Status)

	sub := f.bus.Subscribe(mc.MissionID)
	defer sub.Close()
	var statuses []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.C() {
			if event.Status != nil {
				statuses = append(statuses, event.Status.Status)
			}
		}
	}()

	require.NoError(t, f.controller.Start(ctx, mc.MissionID))

	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)
	assert.NotEmpty(t, final.FinalReport)
	assert.Contains(t, final.FinalReport, "## Findings")

	var documentNotes int
	for _, note := range final.Notes {
		if note.SourceType == mission.SourceDocument {
			documentNotes++
		}
	}
	assert.GreaterOrEqual(t, documentNotes, 1)
	assert.Greater(t, final.UsageTotals.TotalCost, 0.0)

	// Web was disabled: only document searches ran.
	assert.Zero(t, f.tools.webCalls)
	assert.Greater(t, f.tools.docCalls, 0)

	<-time.After(100 * time.Millisecond)
	sub.Close()
	<-done
	assert.Contains(t, statuses, string(mission.StatusPlanning))
	assert.Contains(t, statuses, string(mission.StatusRunning))
	assert.Contains(t, statuses, string(mission.StatusCompleted))
}

func TestStopAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Exploration's one extraction goes through; the first section
	// cycle of round 1 blocks on the gate.
	f.model.blockExtractionsAfter.Store(1)

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))

	// Wait until round 1 is announced before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "round 1 never started")
		logs, _, err := f.store.Logs(ctx, mc.MissionID, 0, 0)
		require.NoError(t, err)
		found := false
		for _, entry := range logs {
			if entry.Action == "Research Round 1" {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, f.controller.Stop(ctx, mc.MissionID))
	waitForStatus(t, f.store, mc.MissionID, mission.StatusStopped)

	// Unblock and resume to completion.
	f.model.blockExtractionsAfter.Store(0)
	close(f.model.gate)
	require.NoError(t, f.controller.Resume(ctx, mc.MissionID))
	waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	logs, _, err := f.store.Logs(ctx, mc.MissionID, 0, 0)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, entry := range logs {
		assert.False(t, seen[entry.LogID], "duplicate log_id %s", entry.LogID)
		seen[entry.LogID] = true
	}
}

func TestResumeFromRoundTruncates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	sub := f.bus.Subscribe(mc.MissionID)
	defer sub.Close()

	require.NoError(t, f.controller.ResumeFromRound(ctx, mc.MissionID, 1))

	var sawTruncate bool
	timeout := time.After(2 * time.Second)
	for !sawTruncate {
		select {
		case event := <-sub.C():
			if event.Truncate != nil {
				sawTruncate = true
				assert.Equal(t, 0, event.Truncate.AfterRound)
			}
		case <-timeout:
			t.Fatal("no truncate_data event observed")
		}
	}

	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)
	assert.NotEmpty(t, final.FinalReport)

	// Exploration notes survived the truncation alongside fresh round-1
	// notes.
	var roundZero int
	for _, note := range final.Notes {
		if note.Round == 0 {
			roundZero++
		}
	}
	assert.Greater(t, roundZero, 0)
}

func TestResumeFromRoundZeroRejected(t *testing.T) {
	f := newFixture(t)
	err := f.controller.ResumeFromRound(context.Background(), "whatever", 0)
	require.Error(t, err)
	assert.Equal(t, qerrors.CategoryValidation, qerrors.CategoryOf(err))
}

func TestWebFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.tools.webFails = true
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		UseWeb:          true,
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))

	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)
	assert.NotEmpty(t, final.FinalReport)
	assert.Greater(t, f.tools.webCalls, 0)

	// The failed web searches left only document-sourced notes behind.
	for _, note := range final.Notes {
		assert.Equal(t, mission.SourceDocument, note.SourceType)
	}
}

func TestCreateRejectsNoResearchSurface(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.Create(context.Background(), CreateRequest{
		UserRequest: "anything",
		UseWeb:      false,
	})
	require.Error(t, err)
	assert.Equal(t, qerrors.CategoryValidation, qerrors.CategoryOf(err))
}

func TestStopOnTerminalMissionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	require.NoError(t, f.controller.Stop(ctx, mc.MissionID))
	require.NoError(t, f.controller.Stop(ctx, mc.MissionID))

	final, err := f.store.Snapshot(ctx, mc.MissionID)
	require.NoError(t, err)
	assert.Equal(t, mission.StatusCompleted, final.Status)
}

func TestMissionSettingsWinOverUserSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	three := 3
	f.resolver.SetUserSettings("u1", &config.UserSettings{
		Research: config.ResearchOverrides{StructuredResearchRounds: &three},
	})

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
		MissionSettings: map[string]interface{}{"structured_research_rounds": 1},
	})
	require.NoError(t, err)

	// A mid-flight user edit must not leak into the running mission.
	five := 5
	f.resolver.SetUserSettings("u1", &config.UserSettings{
		Research: config.ResearchOverrides{StructuredResearchRounds: &five},
	})

	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	params := f.controller.effectiveParams(final)
	assert.Equal(t, 1, params.StructuredResearchRounds)
	assert.Equal(t, 1, final.CurrentRound)
}

func TestMissionSettingsWinOverAutoOptimize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.model.optimizerReply = `{"overrides": {"structured_research_rounds": 4, "max_research_cycles_per_section": 2}, "rationale": "broad topic"}`

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
		MissionSettings: map[string]interface{}{
			"auto_optimize_params":       true,
			"structured_research_rounds": 1,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	params := f.controller.effectiveParams(final)
	// The optimizer's suggestion lands where the mission was silent.
	assert.Equal(t, 2, params.MaxResearchCyclesPerSection)
	// It never displaces what the mission pinned.
	assert.Equal(t, 1, params.StructuredResearchRounds)
	assert.Equal(t, 1, final.CurrentRound)
}

func TestLoggedCostMatchesMeteredCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
		MissionSettings: map[string]interface{}{"auto_optimize_params": true},
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)

	// The closing milestone may still be in flight right after the
	// status flips, so poll until the books balance.
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, _, err := f.store.Logs(ctx, mc.MissionID, 0, 0)
		require.NoError(t, err)
		var logged float64
		for _, entry := range logs {
			if entry.Cost != nil {
				logged += *entry.Cost
			}
		}
		metered := f.meter.Totals(mc.MissionID).TotalCost
		if metered > 0 && logged == metered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("logged cost %v never matched metered cost %v", logged, metered)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMissionSnapshotSerializationIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		UserID:          "u1",
		DocumentGroupID: "g1",
		MissionSettings: map[string]interface{}{"structured_research_rounds": 1},
	})
	require.NoError(t, err)

	assertStableEncoding := func(mc *mission.Context) {
		t.Helper()
		first, err := json.Marshal(mc)
		require.NoError(t, err)
		var reloaded mission.Context
		require.NoError(t, json.Unmarshal(first, &reloaded))
		second, err := json.Marshal(&reloaded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}

	assertStableEncoding(mc)

	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	final := waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)
	assertStableEncoding(final)
}

func TestStopPendingMissionWithoutRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)

	require.NoError(t, f.controller.Stop(ctx, mc.MissionID))
	snapshot, err := f.store.Snapshot(ctx, mc.MissionID)
	require.NoError(t, err)
	assert.Equal(t, mission.StatusStopped, snapshot.Status)

	// Stopping again stays a no-op.
	require.NoError(t, f.controller.Stop(ctx, mc.MissionID))
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.model.blockExtractionsAfter.Store(1)

	mc, err := f.controller.Create(ctx, CreateRequest{
		UserRequest:     "Summarize recent work on X",
		DocumentGroupID: "g1",
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))
	require.NoError(t, f.controller.Start(ctx, mc.MissionID))

	close(f.model.gate)
	f.model.blockExtractionsAfter.Store(0)
	waitForStatus(t, f.store, mc.MissionID, mission.StatusCompleted)
}
