package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/quillhq/quill/pkg/agents"
	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

// Phase names persisted in CurrentPhase so resume knows where to
// re-enter.
const (
	phaseQuestions   = "question_confirmation"
	phaseExploration = "initial_exploration"
	phaseOutline     = "outline_generation"
	phaseResearch    = "structured_research"
	phaseAssignment  = "note_assignment"
	phaseWriting     = "writing"
	phaseFinalize    = "finalization"
)

var phaseOrder = []string{
	phaseQuestions,
	phaseExploration,
	phaseOutline,
	phaseResearch,
	phaseAssignment,
	phaseWriting,
	phaseFinalize,
}

func phaseIndex(phase string) int {
	for i, p := range phaseOrder {
		if p == phase {
			return i
		}
	}
	return 0
}

// startupAndRun performs the start-time work that precedes the phase
// loop: the optional parameter optimizer and the document-group sink,
// both evaluated now rather than at create.
func (c *Controller) startupAndRun(ctx context.Context, missionID string) {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		c.logger.Error("Mission vanished before start", "mission_id", missionID, "error", err)
		return
	}
	params := c.effectiveParams(snapshot)

	if params.AutoOptimizeParams {
		result, err := c.optimizer.Run(ctx, &agents.Bundle{
			MissionID:   missionID,
			UserID:      snapshot.UserID,
			UserRequest: snapshot.UserRequest,
			Params:      params,
		})
		if err == nil {
			if result.Overrides != nil && !result.Overrides.IsEmpty() {
				// Mission-level settings stay authoritative; the optimizer
				// only fills fields the request left open.
				merged := config.MergeOverrides(result.Overrides, storedOverrides(snapshot))
				updateErr := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
					mc.Metadata[metaResearchOverrides] = canonicalMeta(merged)
					c.snapshotSettings(mc, merged)
					return nil
				})
				if updateErr != nil {
					c.logger.Warn("Failed to persist optimized parameters",
						"mission_id", missionID, "error", updateErr)
				}
			}
			// The dispatch was metered, so the log entry carries its usage
			// even when the suggestions were empty or rejected.
			if result.Usage.ModelName != "" {
				entry := &mission.ExecutionLogEntry{
					AgentName:     c.optimizer.Name(),
					Action:        "Optimize Research Parameters",
					Status:        mission.LogSuccess,
					OutputSummary: "research parameters tuned to the request",
				}
				attachUsage(entry, result.Usage)
				c.logStep(ctx, missionID, entry)
			}
		}
	}

	if params.AutoCreateDocumentGroup && snapshot.DocumentGroupID == "" {
		groupID := uuid.NewString()
		if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
			mc.DocumentGroupID = groupID
			return nil
		}); err == nil {
			c.logStep(ctx, missionID, &mission.ExecutionLogEntry{
				AgentName:     "controller",
				Action:        "Create Document Group",
				Status:        mission.LogSuccess,
				OutputSummary: fmt.Sprintf("document group %s created for fetched sources", groupID),
			})
		}
	}

	c.run(ctx, missionID)
}

// run executes the phase loop from the mission's persisted phase. It is
// the catch-all boundary: any error or panic beyond it becomes a failed
// status with error_info set.
func (c *Controller) run(ctx context.Context, missionID string) {
	start := time.Now()
	var runErr error

	defer func() {
		if r := recover(); r != nil {
			runErr = qerrors.New(qerrors.CategoryFatal, "controller", "run_mission",
				fmt.Sprintf("panic: %v", r), nil)
		}
		status := c.settle(missionID, runErr)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordMissionRun(context.Background(), string(status), time.Since(start))
		}
	}()

	runErr = c.phases(ctx, missionID)
}

// settle writes the run's final status. Uses a fresh context: the run
// context is typically cancelled by the time a stop settles.
func (c *Controller) settle(missionID string, runErr error) mission.Status {
	ctx := context.Background()

	if runErr == nil {
		return mission.StatusCompleted
	}

	if c.stopRequested(missionID) || qerrors.CategoryOf(runErr) == qerrors.CategoryCancelled {
		if err := c.store.SetStatus(ctx, missionID, mission.StatusStopped, ""); err != nil {
			c.logger.Warn("Failed to mark mission stopped", "mission_id", missionID, "error", err)
		}
		c.bus.PublishStatus(missionID, mission.StatusStopped, "mission stopped")
		return mission.StatusStopped
	}

	c.logger.Error("Mission failed", "mission_id", missionID, "error", runErr)
	if err := c.store.SetStatus(ctx, missionID, mission.StatusFailed, runErr.Error()); err != nil {
		c.logger.Warn("Failed to mark mission failed", "mission_id", missionID, "error", err)
	}
	c.logStep(ctx, missionID, &mission.ExecutionLogEntry{
		AgentName:    "controller",
		Action:       "Mission Run",
		Status:       mission.LogFailure,
		ErrorMessage: runErr.Error(),
	})
	c.bus.PublishStatus(missionID, mission.StatusFailed, runErr.Error())
	return mission.StatusFailed
}

// phases walks the loop from the persisted phase onward.
func (c *Controller) phases(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}

	for _, phase := range phaseOrder[phaseIndex(snapshot.CurrentPhase):] {
		if err := ctx.Err(); err != nil {
			return qerrors.New(qerrors.CategoryCancelled, "controller", "run_mission", "mission cancelled", err)
		}
		if err := c.setPhase(ctx, missionID, phase); err != nil {
			return err
		}

		switch phase {
		case phaseQuestions:
			err = c.confirmQuestions(ctx, missionID)
		case phaseExploration:
			err = c.initialExploration(ctx, missionID)
		case phaseOutline:
			err = c.generateOutline(ctx, missionID)
		case phaseResearch:
			err = c.structuredResearch(ctx, missionID)
		case phaseAssignment:
			err = c.assignNotes(ctx, missionID)
		case phaseWriting:
			err = c.writingPasses(ctx, missionID)
		case phaseFinalize:
			err = c.finalize(ctx, missionID)
		}
		if err != nil {
			return err
		}
		c.syncTotals(ctx, missionID)
	}
	return nil
}

func (c *Controller) setPhase(ctx context.Context, missionID, phase string) error {
	return c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		mc.CurrentPhase = phase
		return nil
	})
}

// confirmQuestions ensures the canonical question list exists.
func (c *Controller) confirmQuestions(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if len(snapshot.FinalQuestions()) > 0 {
		return nil
	}

	result, err := c.runUnit(ctx, missionID, c.planner, &agents.Bundle{
		MissionID:   missionID,
		UserID:      snapshot.UserID,
		UserRequest: snapshot.UserRequest,
		Params:      c.effectiveParams(snapshot),
	}, "Generate Research Questions")
	if err != nil {
		return err
	}

	questions := result.Questions
	if len(questions) == 0 {
		questions = agents.DefaultQuestions(snapshot.UserRequest)
	}
	return c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		mc.SetFinalQuestions(questions)
		return nil
	})
}

// initialExploration gathers preliminary notes for every question.
// Per-question failures are warnings; the outline phase decides whether
// the mission can proceed on what was found.
func (c *Controller) initialExploration(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	params := c.effectiveParams(snapshot)
	questions := snapshot.FinalQuestions()
	if len(questions) == 0 {
		questions = agents.DefaultQuestions(snapshot.UserRequest)
	}

	c.milestone(ctx, snapshot, "exploring sources for the research questions")
	researcher := agents.NewResearcher(c.model, c.tools, c.bus, snapshot.UseWeb)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallel(params))
	for _, question := range questions {
		question := question
		group.Go(func() error {
			result, err := c.runUnit(groupCtx, missionID, researcher, &agents.Bundle{
				MissionID:   missionID,
				UserID:      snapshot.UserID,
				UserRequest: snapshot.UserRequest,
				Questions:   []string{question},
				Round:       0,
				Params:      params,
			}, fmt.Sprintf("Initial Exploration: %s", summarize(question, 80)))
			if err != nil {
				if qerrors.CategoryOf(err) == qerrors.CategoryCancelled {
					return err
				}
				// Already logged as a warning by runUnit's failure path.
				return nil
			}
			for _, note := range result.Notes {
				if err := c.store.AddNote(groupCtx, missionID, note); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return group.Wait()
}

// generateOutline produces the report outline from questions plus the
// preliminary notes, falling back to default questions on an empty
// first answer.
func (c *Controller) generateOutline(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	params := c.effectiveParams(snapshot)
	questions := snapshot.FinalQuestions()

	outline, err := c.outlineFor(ctx, missionID, snapshot, questions, params)
	if err != nil {
		return err
	}
	if len(outline) == 0 {
		// An empty outline falls back to the three default questions.
		questions = agents.DefaultQuestions(snapshot.UserRequest)
		if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
			mc.SetFinalQuestions(questions)
			return nil
		}); err != nil {
			return err
		}
		outline, err = c.outlineFor(ctx, missionID, snapshot, questions, params)
		if err != nil {
			return err
		}
	}
	if len(outline) == 0 {
		return qerrors.New(qerrors.CategoryFatal, "controller", "generate_outline",
			"planner produced no outline", nil)
	}

	plan := &mission.Plan{MissionGoal: snapshot.UserRequest, ReportOutline: outline}
	if err := c.store.SetPlan(ctx, missionID, plan); err != nil {
		return err
	}

	if err := c.store.SetStatus(ctx, missionID, mission.StatusRunning, ""); err != nil {
		return err
	}
	c.bus.PublishStatus(missionID, mission.StatusRunning, "conducting_research")
	c.milestone(ctx, snapshot, "report outline ready, starting structured research")
	return nil
}

func (c *Controller) outlineFor(ctx context.Context, missionID string, snapshot *mission.Context, questions []string, params config.ResearchParams) ([]mission.Section, error) {
	notes, _, err := c.store.Notes(ctx, missionID, 0, 0)
	if err != nil {
		return nil, err
	}
	result, err := c.runUnit(ctx, missionID, c.planner, &agents.Bundle{
		MissionID:   missionID,
		UserID:      snapshot.UserID,
		UserRequest: snapshot.UserRequest,
		Questions:   questions,
		Notes:       notes,
		Params:      params,
	}, "Generate Report Outline")
	if err != nil {
		return nil, err
	}
	return result.Outline, nil
}

// structuredResearch runs the configured number of rounds. Within a
// section, cycles are strictly sequential; across sections they
// interleave up to the concurrency limit.
func (c *Controller) structuredResearch(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	params := c.effectiveParams(snapshot)

	startRound := snapshot.CurrentRound
	if startRound < 1 {
		startRound = 1
	}

	for round := startRound; round <= params.StructuredResearchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return qerrors.New(qerrors.CategoryCancelled, "controller", "structured_research", "mission cancelled", err)
		}
		if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
			mc.CurrentRound = round
			return nil
		}); err != nil {
			return err
		}

		if err := c.researchRound(ctx, missionID, round, params); err != nil {
			return err
		}
		if err := c.reflectOnRound(ctx, missionID, round, params); err != nil {
			return err
		}
		c.syncTotals(ctx, missionID)
	}
	return nil
}

func (c *Controller) researchRound(ctx context.Context, missionID string, round int, params config.ResearchParams) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Plan == nil {
		return qerrors.New(qerrors.CategoryFatal, "controller", "research_round",
			"research started without a plan", nil)
	}
	leaves := snapshot.Plan.LeafSections()

	c.logStep(ctx, missionID, &mission.ExecutionLogEntry{
		AgentName:     "controller",
		Action:        fmt.Sprintf("Research Round %d", round),
		Status:        mission.LogRunning,
		OutputSummary: fmt.Sprintf("%d sections to research", len(leaves)),
		Round:         round,
	})

	researcher := agents.NewResearcher(c.model, c.tools, c.bus, snapshot.UseWeb)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallel(params))

	for i := range leaves {
		section := leaves[i]
		group.Go(func() error {
			return c.sectionCycles(groupCtx, missionID, snapshot, researcher, section, round, params)
		})
	}
	return group.Wait()
}

// sectionCycles runs this section's cycles for one round, strictly in
// order. A cycle with zero new notes burns an extra cycle from the
// remaining budget.
func (c *Controller) sectionCycles(ctx context.Context, missionID string, snapshot *mission.Context, researcher *agents.Researcher, section mission.Section, round int, params config.ResearchParams) error {
	remaining := params.MaxResearchCyclesPerSection
	followUp := ""

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return qerrors.New(qerrors.CategoryCancelled, "controller", "section_cycle", "mission cancelled", err)
		}

		result, err := c.runUnit(ctx, missionID, researcher, &agents.Bundle{
			MissionID:     missionID,
			UserID:        snapshot.UserID,
			UserRequest:   snapshot.UserRequest,
			Section:       &section,
			Round:         round,
			FollowUpQuery: followUp,
			Params:        params,
		}, fmt.Sprintf("Research Section: %s", section.Title))
		if err != nil {
			if qerrors.CategoryOf(err) == qerrors.CategoryCancelled {
				return err
			}
			// The failure is logged; the section continues next round
			// with whatever evidence exists.
			return nil
		}

		for _, note := range result.Notes {
			if err := c.store.AddNote(ctx, missionID, note); err != nil {
				return err
			}
		}

		remaining--
		if len(result.Notes) == 0 {
			remaining--
		}
		followUp = result.FollowUpQuery
		if followUp == "" {
			break
		}
	}
	return nil
}

// reflectOnRound judges the round's notes, grows the thought pad, and
// adopts an inter-round outline revision when replanning is enabled.
func (c *Controller) reflectOnRound(ctx context.Context, missionID string, round int, params config.ResearchParams) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}

	var roundNotes []*mission.Note
	for _, note := range snapshot.Notes {
		if note.Round == round {
			roundNotes = append(roundNotes, note)
		}
	}
	if len(roundNotes) == 0 {
		return nil
	}

	result, err := c.runUnit(ctx, missionID, c.reflection, &agents.Bundle{
		MissionID:   missionID,
		UserID:      snapshot.UserID,
		UserRequest: snapshot.UserRequest,
		Outline:     snapshot.Plan.ReportOutline,
		Notes:       roundNotes,
		Pads:        snapshot.Pads,
		Round:       round,
		Params:      params,
	}, fmt.Sprintf("Reflect on Round %d", round))
	if err != nil {
		if qerrors.CategoryOf(err) == qerrors.CategoryCancelled {
			return err
		}
		return nil
	}

	if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		if result.Thought != "" {
			mc.Pads.AddThought(result.Thought, params.ThoughtPadContextLimit)
		}
		for _, note := range mc.Notes {
			hint, ok := result.RelevanceHints[note.NoteID]
			if !ok {
				continue
			}
			relevant := hint.IsRelevant
			note.IsRelevant = &relevant
			if len(hint.PotentialSections) > 0 {
				note.PotentialSections = mergeStrings(note.PotentialSections, hint.PotentialSections)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if len(result.Outline) > 0 {
		plan := *snapshot.Plan
		plan.ReportOutline = result.Outline
		if err := c.store.SetPlan(ctx, missionID, &plan); err != nil {
			// An invalid revision keeps the standing outline.
			c.logger.Warn("Rejected outline revision", "mission_id", missionID, "error", err)
		}
	}
	return nil
}

// assignNotes distributes the relevant notes across leaf sections.
func (c *Controller) assignNotes(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Plan == nil {
		return qerrors.New(qerrors.CategoryFatal, "controller", "assign_notes",
			"assignment started without a plan", nil)
	}
	params := c.effectiveParams(snapshot)

	var relevant []*mission.Note
	for _, note := range snapshot.Notes {
		if note.IsRelevant == nil || *note.IsRelevant {
			relevant = append(relevant, note)
		}
	}
	if len(relevant) == 0 {
		relevant = snapshot.Notes
	}

	result, err := c.runUnit(ctx, missionID, c.assigner, &agents.Bundle{
		MissionID:   missionID,
		UserID:      snapshot.UserID,
		UserRequest: snapshot.UserRequest,
		Outline:     snapshot.Plan.ReportOutline,
		Notes:       relevant,
		Params:      params,
	}, "Assign Notes to Sections")
	if err != nil {
		return err
	}

	return c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		mc.Metadata[metaNoteAssignments] = result.Assignments
		for sectionID, noteIDs := range result.Assignments {
			for _, noteID := range noteIDs {
				for _, note := range mc.Notes {
					if note.NoteID == noteID && note.AssignedSectionID == "" {
						note.AssignedSectionID = sectionID
					}
				}
			}
		}
		return nil
	})
}

// writingPasses drafts every leaf section, re-drafting on each pass with
// a preview of the previous text.
func (c *Controller) writingPasses(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Plan == nil {
		return qerrors.New(qerrors.CategoryFatal, "controller", "writing",
			"writing started without a plan", nil)
	}
	params := c.effectiveParams(snapshot)
	assignments := storedAssignments(snapshot)
	leaves := snapshot.Plan.LeafSections()

	notesByID := make(map[string]*mission.Note, len(snapshot.Notes))
	for _, note := range snapshot.Notes {
		notesByID[note.NoteID] = note
	}

	c.milestone(ctx, snapshot, "writing the report")

	drafts := storedDrafts(snapshot)
	var draftsMu sync.Mutex

	passes := params.WritingPasses
	if passes < 1 {
		passes = 1
	}
	for pass := 1; pass <= passes; pass++ {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(maxParallel(params))

		for i := range leaves {
			section := leaves[i]
			group.Go(func() error {
				sectionNotes := notesForSection(section.SectionID, assignments, notesByID, snapshot.Notes)

				draftsMu.Lock()
				previous := truncateText(drafts[section.SectionID], params.WritingPreviousContentPreviewChars)
				draftsMu.Unlock()

				result, err := c.runUnit(groupCtx, missionID, c.writer, &agents.Bundle{
					MissionID:       missionID,
					UserID:          snapshot.UserID,
					UserRequest:     snapshot.UserRequest,
					Outline:         snapshot.Plan.ReportOutline,
					Section:         &section,
					Notes:           sectionNotes,
					PreviousContent: previous,
					Params:          params,
				}, fmt.Sprintf("Write Section: %s (pass %d)", section.Title, pass))
				if err != nil {
					return err
				}

				draftsMu.Lock()
				drafts[section.SectionID] = result.SectionContent
				draftsMu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
			mc.Metadata[metaSectionDrafts] = copyDrafts(drafts)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// finalize concatenates the drafts in outline order and completes the
// mission.
func (c *Controller) finalize(ctx context.Context, missionID string) error {
	snapshot, err := c.store.Snapshot(ctx, missionID)
	if err != nil {
		return err
	}
	if snapshot.Plan == nil {
		return qerrors.New(qerrors.CategoryFatal, "controller", "finalize",
			"finalization without a plan", nil)
	}
	drafts := storedDrafts(snapshot)

	var report strings.Builder
	fmt.Fprintf(&report, "# %s\n\n", snapshot.Plan.MissionGoal)
	renderSections(&report, snapshot.Plan.ReportOutline, drafts)

	if err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		mc.FinalReport = report.String()
		mc.Status = mission.StatusCompleted
		mc.UsageTotals = c.meter.Totals(missionID)
		return nil
	}); err != nil {
		return err
	}

	c.logStep(ctx, missionID, &mission.ExecutionLogEntry{
		AgentName:     "controller",
		Action:        "Finalize Report",
		Status:        mission.LogSuccess,
		OutputSummary: fmt.Sprintf("report assembled, %d characters", report.Len()),
	})
	c.milestone(ctx, snapshot, "research report completed")
	c.bus.PublishStatus(missionID, mission.StatusCompleted, "completed")
	return nil
}

func renderSections(report *strings.Builder, sections []mission.Section, drafts map[string]string) {
	for _, section := range sections {
		if len(section.Subsections) == 0 {
			draft := drafts[section.SectionID]
			if draft == "" {
				draft = fmt.Sprintf("## %s\n\n(No content was produced for this section.)", section.Title)
			}
			report.WriteString(draft)
			report.WriteString("\n\n")
			continue
		}
		fmt.Fprintf(report, "## %s\n\n", section.Title)
		renderSections(report, section.Subsections, drafts)
	}
}

// runUnit runs an agent once, retrying a single time on a retryable
// failure, and logs the outcome as an execution log entry.
func (c *Controller) runUnit(ctx context.Context, missionID string, unit agents.Unit, b *agents.Bundle, action string) (*agents.Result, error) {
	result, err := unit.Run(ctx, b)
	if err != nil && qerrors.CategoryOf(err) != qerrors.CategoryCancelled && ctx.Err() == nil {
		c.logger.Warn("Agent run failed, retrying once",
			"mission_id", missionID, "agent", unit.Name(), "action", action, "error", err)
		result, err = unit.Run(ctx, b)
	}

	entry := &mission.ExecutionLogEntry{
		AgentName:    unit.Name(),
		Action:       action,
		Status:       mission.LogSuccess,
		InputSummary: summarize(b.UserRequest, 120),
		Round:        b.Round,
	}
	if err != nil {
		entry.Status = mission.LogFailure
		if qerrors.IsWarning(err) || qerrors.CategoryOf(err) == qerrors.CategoryCancelled {
			entry.Status = mission.LogWarning
		}
		entry.ErrorMessage = err.Error()
	} else {
		entry.OutputSummary = resultSummary(result)
		attachUsage(entry, result.Usage)
	}
	c.logStep(ctx, missionID, entry)
	return result, err
}

// attachUsage copies a model usage record onto a log entry. Every
// metered dispatch must surface on some update entry so the mission's
// logged cost matches the meter.
func attachUsage(entry *mission.ExecutionLogEntry, rec usage.Record) {
	if rec.ModelName == "" {
		return
	}
	cost := rec.Cost
	prompt := rec.PromptTokens
	completion := rec.CompletionTokens
	native := rec.NativeTokens
	entry.Cost = &cost
	entry.PromptTokens = &prompt
	entry.CompletionTokens = &completion
	entry.NativeTokens = &native
	entry.ModelDetails = &mission.ModelDetails{
		Provider:    rec.Provider,
		Model:       rec.ModelName,
		DurationSec: rec.DurationSec,
	}
}

func resultSummary(r *agents.Result) string {
	switch {
	case r == nil:
		return ""
	case len(r.Questions) > 0:
		return fmt.Sprintf("%d research questions", len(r.Questions))
	case len(r.Notes) > 0:
		return fmt.Sprintf("%d notes generated", len(r.Notes))
	case len(r.Outline) > 0:
		return fmt.Sprintf("outline with %d top-level sections", len(r.Outline))
	case len(r.Assignments) > 0:
		return fmt.Sprintf("notes assigned to %d sections", len(r.Assignments))
	case r.SectionContent != "":
		return fmt.Sprintf("section draft, %d characters", len(r.SectionContent))
	case r.Thought != "":
		return summarize(r.Thought, 120)
	case r.Message != "":
		return summarize(r.Message, 120)
	}
	return ""
}

// logStep appends an execution log entry and publishes it. Log emission
// failures never interrupt the mission.
func (c *Controller) logStep(ctx context.Context, missionID string, entry *mission.ExecutionLogEntry) {
	if err := c.store.AppendLog(ctx, missionID, entry); err != nil {
		c.logger.Warn("Failed to append execution log", "mission_id", missionID, "error", err)
		return
	}
	c.bus.PublishUpdate(missionID, entry)
}

// milestone emits a user-facing status line through the Messenger.
func (c *Controller) milestone(ctx context.Context, snapshot *mission.Context, text string) {
	result, err := c.messenger.Run(ctx, &agents.Bundle{
		MissionID:   snapshot.MissionID,
		UserID:      snapshot.UserID,
		UserRequest: snapshot.UserRequest,
		Feedback:    text,
	})
	if err != nil || result.Message == "" {
		return
	}
	if result.Usage.ModelName != "" {
		entry := &mission.ExecutionLogEntry{
			AgentName:     c.messenger.Name(),
			Action:        "Mission Update",
			Status:        mission.LogSuccess,
			OutputSummary: summarize(result.Message, 120),
		}
		attachUsage(entry, result.Usage)
		c.logStep(ctx, snapshot.MissionID, entry)
	}
	c.bus.PublishFeedback(snapshot.MissionID, bus.Feedback{
		Type:      bus.FeedbackThreadStatus,
		AgentName: c.messenger.Name(),
		Payload:   map[string]interface{}{"message": result.Message},
	})
}

// syncTotals mirrors the meter's rollup into the mission row.
func (c *Controller) syncTotals(ctx context.Context, missionID string) {
	totals := c.meter.Totals(missionID)
	err := c.store.Update(ctx, missionID, func(mc *mission.Context) error {
		mc.UsageTotals = totals
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to sync usage totals", "mission_id", missionID, "error", err)
	}
}

// effectiveParams reads the start-time parameter snapshot, which wins
// over any later user-settings edits for the mission's lifetime.
func (c *Controller) effectiveParams(mc *mission.Context) config.ResearchParams {
	raw, ok := mc.Metadata[metaResearchParams]
	if ok {
		switch v := raw.(type) {
		case config.ResearchParams:
			return v
		case map[string]interface{}:
			var params config.ResearchParams
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:           &params,
				WeaklyTypedInput: true,
			})
			if err == nil && decoder.Decode(v) == nil {
				return params
			}
		}
	}
	return c.resolver.ResearchParams(mc.UserID, storedOverrides(mc))
}

func storedAssignments(mc *mission.Context) map[string][]string {
	raw, ok := mc.Metadata[metaNoteAssignments]
	if !ok {
		return map[string][]string{}
	}
	switch v := raw.(type) {
	case map[string][]string:
		return v
	case map[string]interface{}:
		out := make(map[string][]string, len(v))
		for sectionID, ids := range v {
			if list, ok := ids.([]interface{}); ok {
				for _, id := range list {
					if s, ok := id.(string); ok {
						out[sectionID] = append(out[sectionID], s)
					}
				}
			}
		}
		return out
	}
	return map[string][]string{}
}

func storedDrafts(mc *mission.Context) map[string]string {
	raw, ok := mc.Metadata[metaSectionDrafts]
	if !ok {
		return map[string]string{}
	}
	switch v := raw.(type) {
	case map[string]string:
		return copyDrafts(v)
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for id, content := range v {
			if s, ok := content.(string); ok {
				out[id] = s
			}
		}
		return out
	}
	return map[string]string{}
}

func copyDrafts(drafts map[string]string) map[string]string {
	out := make(map[string]string, len(drafts))
	for k, v := range drafts {
		out[k] = v
	}
	return out
}

// notesForSection resolves a section's assigned notes, falling back to
// AssignedSectionID when the assignment map is absent after a reload.
func notesForSection(sectionID string, assignments map[string][]string, byID map[string]*mission.Note, all []*mission.Note) []*mission.Note {
	if ids, ok := assignments[sectionID]; ok && len(ids) > 0 {
		notes := make([]*mission.Note, 0, len(ids))
		for _, id := range ids {
			if note := byID[id]; note != nil {
				notes = append(notes, note)
			}
		}
		return notes
	}
	var notes []*mission.Note
	for _, note := range all {
		if note.AssignedSectionID == sectionID {
			notes = append(notes, note)
		}
	}
	return notes
}

func maxParallel(params config.ResearchParams) int {
	if params.MaxConcurrentRequests < 1 {
		return 1
	}
	return params.MaxConcurrentRequests
}

func truncateText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit]
}

func summarize(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

func mergeStrings(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			existing = append(existing, s)
		}
	}
	return existing
}
