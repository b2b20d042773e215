// Package controller drives missions from a user request to a cited
// report. It owns the status state machine, schedules background runs,
// and mediates between the context store, the agent units, the tools and
// the progress bus.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quillhq/quill/pkg/agents"
	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

// Metadata keys the controller owns.
const (
	metaResearchOverrides = "research_overrides"
	metaResearchParams    = "research_params"
	metaSearchSettings    = "search_settings"
	metaEnabledTools      = "enabled_tools"
	metaNoteAssignments   = "note_assignments"
	metaSectionDrafts     = "section_drafts"
)

// Deps are the collaborators a Controller needs.
type Deps struct {
	Store    *mission.Store
	Bus      *bus.Bus
	Resolver *config.Resolver
	Model    agents.ModelCaller
	Tools    agents.ToolExecutor
	Meter    *usage.Meter
	Logger   *slog.Logger
}

// Controller orchestrates mission lifecycles. All public operations are
// safe for concurrent use.
type Controller struct {
	store    *mission.Store
	bus      *bus.Bus
	resolver *config.Resolver
	model    agents.ModelCaller
	tools    agents.ToolExecutor
	meter    *usage.Meter
	logger   *slog.Logger

	messenger  *agents.Messenger
	planner    *agents.Planner
	reflection *agents.Reflection
	writer     *agents.Writer
	assigner   *agents.NoteAssigner
	optimizer  *agents.Optimizer

	// workers bounds concurrent background mission runs.
	workers *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*runHandle
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// runHandle tracks one in-flight background run.
type runHandle struct {
	cancel  context.CancelFunc
	stopped bool
}

type Option func(*Controller)

// WithMaxWorkers bounds concurrent mission runs. Default 8.
func WithMaxWorkers(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

func New(deps Deps, opts ...Option) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:    deps.Store,
		bus:      deps.Bus,
		resolver: deps.Resolver,
		model:    deps.Model,
		tools:    deps.Tools,
		meter:    deps.Meter,
		logger:   logger,

		messenger:  agents.NewMessenger(deps.Model),
		planner:    agents.NewPlanner(deps.Model),
		reflection: agents.NewReflection(deps.Model),
		writer:     agents.NewWriter(deps.Model),
		assigner:   agents.NewNoteAssigner(deps.Model),
		optimizer:  agents.NewOptimizer(deps.Model),

		workers: semaphore.NewWeighted(8),
		active:  make(map[string]*runHandle),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels all in-flight runs and waits for them to wind down.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	UserRequest     string
	UserID          string
	ChatID          string
	UseWeb          bool
	DocumentGroupID string

	// MissionSettings are free-form research parameter overrides for
	// this mission only.
	MissionSettings map[string]interface{}
}

// Create registers a new pending mission. It captures the mission's
// settings overrides but resolves nothing yet; the authoritative
// parameter snapshot is taken at Start.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*mission.Context, error) {
	if req.UserRequest == "" {
		return nil, qerrors.New(qerrors.CategoryValidation, "controller", "create",
			"user_request is required", nil)
	}
	if !req.UseWeb && req.DocumentGroupID == "" {
		return nil, qerrors.New(qerrors.CategoryValidation, "controller", "create",
			"mission needs web search or a document group to research against", nil)
	}

	overrides, err := config.DecodeOverrides(req.MissionSettings)
	if err != nil {
		return nil, qerrors.New(qerrors.CategoryValidation, "controller", "create",
			"invalid mission settings", err)
	}

	mc := &mission.Context{
		MissionID:       uuid.NewString(),
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		UserRequest:     req.UserRequest,
		UseWeb:          req.UseWeb,
		DocumentGroupID: req.DocumentGroupID,
		Status:          mission.StatusPending,
		Metadata:        map[string]interface{}{},
	}
	if !overrides.IsEmpty() {
		mc.Metadata[metaResearchOverrides] = canonicalMeta(overrides)
	}

	// Snapshot what the resolver answers today so the record of what the
	// user asked for survives later settings edits. Start re-captures.
	c.snapshotSettings(mc, overrides)

	if err := c.store.Create(ctx, mc); err != nil {
		return nil, err
	}
	return c.store.Snapshot(ctx, mc.MissionID)
}

// snapshotSettings freezes the resolved parameters into metadata.
func (c *Controller) snapshotSettings(mc *mission.Context, overrides *config.ResearchOverrides) {
	params := c.resolver.ResearchParams(mc.UserID, overrides)
	search := c.resolver.SearchSettings(mc.UserID, nil)
	mc.Metadata[metaResearchParams] = canonicalMeta(params)
	mc.Metadata[metaSearchSettings] = canonicalMeta(search)
	mc.Metadata[metaEnabledTools] = c.resolver.EnabledTools(mc.UserID)
}

// canonicalMeta round-trips a value through JSON so metadata holds the
// same shape in memory as after a reload from the store. Serialized
// snapshots then re-encode byte for byte.
func canonicalMeta(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Start schedules the mission's background run. Idempotent for missions
// that are already planning or running.
func (c *Controller) Start(ctx context.Context, missionID string) error {
	var alreadyActive bool
	err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		switch mc.Status {
		case mission.StatusPlanning, mission.StatusRunning:
			alreadyActive = true
			return nil
		case mission.StatusPending:
		default:
			return qerrors.New(qerrors.CategoryValidation, "controller", "start",
				fmt.Sprintf("mission cannot start from status %s", mc.Status), nil)
		}
		mc.Status = mission.StatusPlanning

		// Re-capture current user settings as the authoritative
		// parameters: edits between create and start take effect.
		overrides := storedOverrides(mc)
		c.snapshotSettings(mc, overrides)
		return nil
	})
	if err != nil || alreadyActive {
		return err
	}

	c.bus.PublishStatus(missionID, mission.StatusPlanning, "mission started")
	c.launch(missionID, func(runCtx context.Context) {
		c.startupAndRun(runCtx, missionID)
	})
	return nil
}

// Stop cooperatively cancels the mission. Safe to call repeatedly; a
// no-op on terminal missions.
func (c *Controller) Stop(ctx context.Context, missionID string) error {
	c.mu.Lock()
	handle := c.active[missionID]
	if handle != nil {
		handle.stopped = true
		handle.cancel()
	}
	c.mu.Unlock()
	if handle != nil {
		return nil
	}

	// No run in flight; flip the status directly. The mission may have
	// settled since any earlier observation, so the status re-check
	// happens inside the same update that writes it.
	var settled bool
	err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		if mc.Status.Terminal() || mc.Status == mission.StatusStopped {
			settled = true
			return nil
		}
		mc.Status = mission.StatusStopped
		return nil
	})
	if err != nil || settled {
		return err
	}
	c.bus.PublishStatus(missionID, mission.StatusStopped, "mission stopped")
	return nil
}

// Resume re-enters the phase loop from the last persisted phase and
// round. Legal from stopped, paused and failed.
func (c *Controller) Resume(ctx context.Context, missionID string) error {
	err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		switch mc.Status {
		case mission.StatusStopped, mission.StatusPaused, mission.StatusFailed:
			mc.Status = mission.StatusRunning
			mc.ErrorInfo = ""
			return nil
		default:
			return qerrors.New(qerrors.CategoryValidation, "controller", "resume",
				fmt.Sprintf("mission cannot resume from status %s", mc.Status), nil)
		}
	})
	if err != nil {
		return err
	}

	c.bus.CancelClose(missionID)
	c.bus.PublishStatus(missionID, mission.StatusRunning, "mission resumed")
	c.launch(missionID, func(runCtx context.Context) {
		c.run(runCtx, missionID)
	})
	return nil
}

// ResumeFromRound truncates everything strictly after round-1 and
// re-enters structured research at the given round. Round 0 artifacts
// (initial exploration) always survive, so round must be >= 1.
func (c *Controller) ResumeFromRound(ctx context.Context, missionID string, round int) error {
	if round < 1 {
		return qerrors.New(qerrors.CategoryValidation, "controller", "resume_from_round",
			"round must be >= 1", nil)
	}

	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Status == mission.StatusPlanning || snapshot.Status == mission.StatusRunning {
		return qerrors.New(qerrors.CategoryValidation, "controller", "resume_from_round",
			"mission is still running; stop it first", nil)
	}

	// Subscribers must hear about the truncation before artifacts go
	// away so they can discard their copies.
	c.bus.CancelClose(missionID)
	c.bus.PublishTruncate(missionID, round-1)
	if err := c.store.TruncateAfterRound(ctx, missionID, round-1); err != nil {
		return err
	}

	err = c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		if !mission.CanTransition(mc.Status, mission.StatusRunning) {
			return qerrors.New(qerrors.CategoryValidation, "controller", "resume_from_round",
				fmt.Sprintf("mission cannot resume from status %s", mc.Status), nil)
		}
		mc.Status = mission.StatusRunning
		mc.ErrorInfo = ""
		mc.CurrentPhase = phaseResearch
		mc.CurrentRound = round
		mc.FinalReport = ""
		delete(mc.Metadata, metaNoteAssignments)
		delete(mc.Metadata, metaSectionDrafts)
		return nil
	})
	if err != nil {
		return err
	}

	c.bus.PublishStatus(missionID, mission.StatusRunning, fmt.Sprintf("resuming from round %d", round))
	c.launch(missionID, func(runCtx context.Context) {
		c.run(runCtx, missionID)
	})
	return nil
}

// ReviseOutlineAndResume merges user feedback into the outline, then
// behaves like ResumeFromRound.
func (c *Controller) ReviseOutlineAndResume(ctx context.Context, missionID string, round int, feedback string, outlineOverride []mission.Section) error {
	if round < 1 {
		return qerrors.New(qerrors.CategoryValidation, "controller", "revise_outline",
			"round must be >= 1", nil)
	}

	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Plan == nil {
		return qerrors.New(qerrors.CategoryValidation, "controller", "revise_outline",
			"mission has no outline to revise", nil)
	}

	revised := outlineOverride
	if revised == nil {
		result, err := c.planner.Run(ctx, &agents.Bundle{
			MissionID:   missionID,
			UserID:      snapshot.UserID,
			UserRequest: snapshot.UserRequest,
			Questions:   snapshot.FinalQuestions(),
			Outline:     snapshot.Plan.ReportOutline,
			Feedback:    feedback,
			Params:      c.effectiveParams(snapshot),
		})
		if err != nil {
			return err
		}
		revised = result.Outline
	}

	plan := *snapshot.Plan
	plan.ReportOutline = revised
	if err := c.store.SetPlan(ctx, missionID, &plan); err != nil {
		return err
	}
	return c.ResumeFromRound(ctx, missionID, round)
}

// launch schedules fn on the bounded worker pool and registers the
// mission's cancel handle. Returns immediately.
func (c *Controller) launch(missionID string, fn func(ctx context.Context)) {
	runCtx, cancel := context.WithCancel(c.baseCtx)

	c.mu.Lock()
	c.active[missionID] = &runHandle{cancel: cancel}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, missionID)
			c.mu.Unlock()
			cancel()
		}()

		if err := c.workers.Acquire(runCtx, 1); err != nil {
			c.logger.Warn("Mission run cancelled before it started", "mission_id", missionID)
			return
		}
		defer c.workers.Release(1)

		fn(runCtx)
	}()
}

// stopRequested reports whether Stop was called for this mission's
// current run.
func (c *Controller) stopRequested(missionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := c.active[missionID]
	return handle != nil && handle.stopped
}

// storedOverrides reads the mission's override set back out of metadata,
// tolerating the post-reload map form.
func storedOverrides(mc *mission.Context) *config.ResearchOverrides {
	raw, ok := mc.Metadata[metaResearchOverrides]
	if !ok {
		return &config.ResearchOverrides{}
	}
	switch v := raw.(type) {
	case *config.ResearchOverrides:
		return v
	case map[string]interface{}:
		overrides, err := config.DecodeOverrides(v)
		if err != nil {
			return &config.ResearchOverrides{}
		}
		return overrides
	}
	return &config.ResearchOverrides{}
}
