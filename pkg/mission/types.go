// Package mission defines the mission data model and the context store
// that owns all per-mission state.
package mission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quillhq/quill/pkg/usage"
)

// Status is the mission lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is sticky. Terminal missions only
// re-open through an explicit resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions encodes the status graph. Any transition not listed
// here is a bug in the caller.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPlanning, StatusRunning, StatusFailed, StatusStopped},
	StatusPlanning:  {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusStopped, StatusPaused},
	StatusStopped:   {StatusRunning},
	StatusPaused:    {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusCompleted: {StatusRunning}, // resume_from_round re-opens
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Section is a node of the report outline.
type Section struct {
	SectionID        string    `json:"section_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	ResearchStrategy string    `json:"research_strategy,omitempty"`
	Subsections      []Section `json:"subsections,omitempty"`
}

// PlanStep is one unit of the plan's step list.
type PlanStep struct {
	StepID          string `json:"step_id"`
	Description     string `json:"description"`
	ActionType      string `json:"action_type"`
	TargetSectionID string `json:"target_section_id,omitempty"`
}

// Plan holds the mission goal, outline, and step list.
type Plan struct {
	MissionGoal   string     `json:"mission_goal"`
	ReportOutline []Section  `json:"report_outline"`
	Steps         []PlanStep `json:"steps,omitempty"`
}

// Validate checks section id uniqueness and step target resolution.
func (p *Plan) Validate() error {
	seen := make(map[string]bool)
	var walk func(sections []Section) error
	walk = func(sections []Section) error {
		for _, s := range sections {
			if s.SectionID == "" {
				return fmt.Errorf("section %q has empty section_id", s.Title)
			}
			if seen[s.SectionID] {
				return fmt.Errorf("duplicate section_id: %s", s.SectionID)
			}
			seen[s.SectionID] = true
			if err := walk(s.Subsections); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(p.ReportOutline); err != nil {
		return err
	}

	for _, step := range p.Steps {
		if step.TargetSectionID != "" && !seen[step.TargetSectionID] {
			return fmt.Errorf("step %s targets unknown section: %s", step.StepID, step.TargetSectionID)
		}
	}
	return nil
}

// LeafSections returns the outline's leaves in document order. Research
// cycles run against leaves only.
func (p *Plan) LeafSections() []Section {
	var leaves []Section
	var walk func(sections []Section)
	walk = func(sections []Section) {
		for _, s := range sections {
			if len(s.Subsections) == 0 {
				leaves = append(leaves, s)
				continue
			}
			walk(s.Subsections)
		}
	}
	walk(p.ReportOutline)
	return leaves
}

// FindSection locates a section by id anywhere in the outline.
func (p *Plan) FindSection(sectionID string) *Section {
	var found *Section
	var walk func(sections []Section)
	walk = func(sections []Section) {
		for i := range sections {
			if sections[i].SectionID == sectionID {
				found = &sections[i]
				return
			}
			walk(sections[i].Subsections)
			if found != nil {
				return
			}
		}
	}
	walk(p.ReportOutline)
	return found
}

// SourceType classifies where a note's evidence came from.
type SourceType string

const (
	SourceDocument       SourceType = "document"
	SourceDocumentWindow SourceType = "document_window"
	SourceWeb            SourceType = "web"
	SourceInternal       SourceType = "internal"
)

// Note is one evidence atom. Immutable after creation except for the
// assignment hints maintained by Reflection and the Assigner.
type Note struct {
	NoteID         string                 `json:"note_id"`
	Content        string                 `json:"content"`
	SourceType     SourceType             `json:"source_type"`
	SourceID       string                 `json:"source_id,omitempty"`
	SourceMetadata map[string]interface{} `json:"source_metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`

	// Round is the structured research round the note was produced in;
	// 0 marks initial-exploration notes.
	Round int `json:"round"`

	// Assignment hints.
	PotentialSections []string `json:"potential_sections,omitempty"`
	AssignedSectionID string   `json:"assigned_section_id,omitempty"`
	IsRelevant        *bool    `json:"is_relevant,omitempty"`
}

// Pads are the mission's ordered scratch sequences.
type Pads struct {
	GoalPad          []string          `json:"goal_pad,omitempty"`
	ThoughtPad       []string          `json:"thought_pad,omitempty"`
	AgentScratchpads map[string]string `json:"agent_scratchpads,omitempty"`
}

// AddThought appends to the thought pad, evicting the oldest entries
// beyond limit.
func (p *Pads) AddThought(thought string, limit int) {
	p.ThoughtPad = append(p.ThoughtPad, thought)
	if limit > 0 && len(p.ThoughtPad) > limit {
		p.ThoughtPad = p.ThoughtPad[len(p.ThoughtPad)-limit:]
	}
}

// LogStatus classifies an execution log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailure LogStatus = "failure"
	LogWarning LogStatus = "warning"
	LogRunning LogStatus = "running"
)

// ModelDetails records which model served a logged call.
type ModelDetails struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// ToolCallRecord summarizes one tool invocation inside a log entry.
type ToolCallRecord struct {
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ExecutionLogEntry is the append-only record of one controller, agent,
// or tool step. log_id is unique within a mission.
type ExecutionLogEntry struct {
	LogID     string    `json:"log_id"`
	Timestamp time.Time `json:"timestamp"`
	AgentName string    `json:"agent_name"`
	Action    string    `json:"action"`
	Status    LogStatus `json:"status"`

	InputSummary  string `json:"input_summary,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	FullInput  string `json:"full_input,omitempty"`
	FullOutput string `json:"full_output,omitempty"`

	ModelDetails     *ModelDetails    `json:"model_details,omitempty"`
	ToolCalls        []ToolCallRecord `json:"tool_calls,omitempty"`
	FileInteractions []string         `json:"file_interactions,omitempty"`

	Cost             *float64 `json:"cost,omitempty"`
	PromptTokens     *int     `json:"prompt_tokens,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
	NativeTokens     *int     `json:"native_tokens,omitempty"`

	// Round mirrors the mission's research round at emit time so
	// resume-from-round truncation can discard later entries.
	Round int `json:"round"`
}

// Context is the full in-memory state of one mission. It serializes to a
// single durable row; the execution log is persisted separately as
// append-only rows.
type Context struct {
	MissionID   string    `json:"mission_id"`
	UserID      string    `json:"user_id,omitempty"`
	ChatID      string    `json:"chat_id,omitempty"`
	UserRequest string    `json:"user_request"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Status    Status `json:"status"`
	ErrorInfo string `json:"error_info,omitempty"`

	UseWeb          bool   `json:"use_web"`
	DocumentGroupID string `json:"document_group_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Plan        *Plan   `json:"plan,omitempty"`
	Notes       []*Note `json:"notes,omitempty"`
	Pads        Pads    `json:"pads"`
	FinalReport string  `json:"final_report,omitempty"`

	// Resume bookkeeping.
	CurrentPhase string `json:"current_phase,omitempty"`
	CurrentRound int    `json:"current_round"`

	UsageTotals usage.Totals `json:"usage_totals"`
}

// FinalQuestions reads the canonical question list from metadata.
func (c *Context) FinalQuestions() []string {
	raw, ok := c.Metadata["final_questions"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, q := range v {
			if s, ok := q.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetFinalQuestions stores the canonical question list in metadata.
func (c *Context) SetFinalQuestions(questions []string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata["final_questions"] = questions
}

// HashText is the chunk-id fallback used when deduplicating retrieval
// results and note sources.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
