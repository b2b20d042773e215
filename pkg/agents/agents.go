// Package agents holds the stateless worker units the controller
// dispatches: Messenger, Planner, Researcher, Reflection, Writer,
// NoteAssigner and the parameter Optimizer. Each unit consumes a context
// bundle and returns a typed result; all mission state stays with the
// caller.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/tools"
	"github.com/quillhq/quill/pkg/usage"
)

// ModelCaller is the narrow dispatcher surface agents use.
// *dispatch.Dispatcher satisfies it.
type ModelCaller interface {
	Dispatch(ctx context.Context, call dispatch.Call) (*llms.Result, usage.Record, error)
}

// ToolExecutor runs a registered tool by name. *tools.Registry
// satisfies it.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (tools.ToolResult, error)
}

// Publisher is the feedback surface agents use for non-essential
// progress signals.
type Publisher interface {
	PublishFeedback(missionID string, feedback bus.Feedback)
}

type nopPublisher struct{}

func (nopPublisher) PublishFeedback(string, bus.Feedback) {}

// Bundle is the context slice an agent run consumes. The controller
// fills only the fields the unit needs.
type Bundle struct {
	MissionID   string
	UserID      string
	UserRequest string

	Questions []string
	Outline   []mission.Section
	Section   *mission.Section
	Notes     []*mission.Note
	Pads      mission.Pads
	Round     int

	// Feedback carries user outline feedback for revision runs.
	Feedback string

	// ChatHistory feeds the optimizer.
	ChatHistory []string

	// PreviousContent is the prior writing pass's section text, already
	// truncated by the controller.
	PreviousContent string

	// FollowUpQuery seeds a research cycle with the previous cycle's
	// suggested narrowing.
	FollowUpQuery string

	Params config.ResearchParams
}

// Result is the typed union of agent outputs. Each unit fills its own
// fields and leaves the rest zero.
type Result struct {
	Message string

	Questions []string
	Outline   []mission.Section

	Notes         []*mission.Note
	FollowUpQuery string

	Thought        string
	RelevanceHints map[string]NoteHint

	// Assignments maps section id to the note ids it receives.
	Assignments map[string][]string

	SectionContent string

	Overrides *config.ResearchOverrides

	Usage usage.Record
}

// NoteHint is Reflection's relevance judgment for one note.
type NoteHint struct {
	IsRelevant        bool     `json:"is_relevant"`
	PotentialSections []string `json:"potential_sections,omitempty"`
}

// Unit is one agent capability.
type Unit interface {
	Name() string
	Run(ctx context.Context, b *Bundle) (*Result, error)
}

// run wraps a unit body with agent metrics.
func run(ctx context.Context, name string, body func(ctx context.Context) (*Result, error)) (*Result, error) {
	start := time.Now()
	result, err := body(ctx)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordAgentCall(ctx, name, time.Since(start), err)
	}
	return result, err
}

// callStructured dispatches a structured-output call and decodes the
// JSON reply into out. A malformed reply is retried once with the parse
// error appended before the failure propagates.
func callStructured(ctx context.Context, m ModelCaller, call dispatch.Call, name string, out interface{}) (usage.Record, error) {
	schema, err := llms.SchemaFor(out)
	if err != nil {
		return usage.Record{}, err
	}
	call.Options.Structured = &llms.StructuredOutputConfig{Name: name, Schema: schema}

	result, record, err := m.Dispatch(ctx, call)
	if err != nil {
		return record, err
	}

	if decodeErr := decodeStructured(result.Text, out); decodeErr != nil {
		retry := call
		retry.Messages = append(append([]llms.Message{}, call.Messages...), llms.Message{
			Role: llms.RoleUser,
			Content: fmt.Sprintf("The previous reply could not be parsed (%v). Respond again with only valid JSON matching the schema.",
				decodeErr),
		})
		result, retryRecord, retryErr := m.Dispatch(ctx, retry)
		record.Cost += retryRecord.Cost
		record.PromptTokens += retryRecord.PromptTokens
		record.CompletionTokens += retryRecord.CompletionTokens
		record.NativeTokens += retryRecord.NativeTokens
		if retryErr != nil {
			return record, retryErr
		}
		if decodeErr = decodeStructured(result.Text, out); decodeErr != nil {
			return record, fmt.Errorf("structured output failed after retry: %w", decodeErr)
		}
	}
	return record, nil
}

// decodeStructured parses model JSON into out, tolerating stringly
// typed numbers and booleans.
func decodeStructured(text string, out interface{}) error {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// extractJSONObject strips prose or markdown fences around a JSON
// object.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func systemMessage(content string) llms.Message {
	return llms.Message{Role: llms.RoleSystem, Content: content}
}

func userMessage(content string) llms.Message {
	return llms.Message{Role: llms.RoleUser, Content: content}
}

// formatNotes renders notes for a prompt, each tagged with its id so
// the model can cite them.
func formatNotes(notes []*mission.Note, limit int) string {
	var b strings.Builder
	for i, note := range notes {
		if limit > 0 && i >= limit {
			fmt.Fprintf(&b, "(%d more notes omitted)\n", len(notes)-limit)
			break
		}
		fmt.Fprintf(&b, "[%s] %s\n", note.NoteID, note.Content)
	}
	return b.String()
}

func formatSections(sections []mission.Section, indent string) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "%s- %s: %s", indent, s.SectionID, s.Title)
		if s.Description != "" {
			fmt.Fprintf(&b, " (%s)", s.Description)
		}
		b.WriteString("\n")
		b.WriteString(formatSections(s.Subsections, indent+"  "))
	}
	return b.String()
}
