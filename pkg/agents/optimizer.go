package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
)

// Optimizer reads the chat history and the research request and
// proposes research parameter overrides for the mission: a quick factual
// lookup wants fewer rounds than a literature survey.
type Optimizer struct {
	model ModelCaller
}

func NewOptimizer(model ModelCaller) *Optimizer {
	return &Optimizer{model: model}
}

func (a *Optimizer) Name() string { return "optimizer" }

type optimizerPayload struct {
	// Overrides holds only the parameters worth changing, by their
	// snake_case names.
	Overrides map[string]interface{} `json:"overrides"`

	Rationale string `json:"rationale"`
}

// Run proposes overrides for the mission. An unusable answer degrades
// to empty overrides rather than an error; the defaults are always a
// safe choice.
func (a *Optimizer) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		var prompt strings.Builder
		fmt.Fprintf(&prompt, "Research request:\n%s\n", b.UserRequest)
		if len(b.ChatHistory) > 0 {
			fmt.Fprintf(&prompt, "\nRecent conversation:\n%s", bulletList(b.ChatHistory))
		}
		fmt.Fprintf(&prompt, `
Current defaults:
- structured_research_rounds: %d
- max_research_cycles_per_section: %d
- writing_passes: %d
- initial_exploration_doc_results: %d
- initial_exploration_web_results: %d
`,
			b.Params.StructuredResearchRounds,
			b.Params.MaxResearchCyclesPerSection,
			b.Params.WritingPasses,
			b.Params.InitialExplorationDocResults,
			b.Params.InitialExplorationWebResults)

		var payload optimizerPayload
		record, err := callStructured(ctx, a.model, dispatch.Call{
			UserID:    b.UserID,
			MissionID: b.MissionID,
			Tier:      config.TierFast,
			Messages: []llms.Message{
				systemMessage(`You size research effort to the request. Simple factual
questions get shallow settings, broad surveys get deeper ones. Return only the
parameters worth changing in overrides, using the names shown in the defaults
plus skip_final_replanning and min/max_notes_per_section_assignment. Return an
empty overrides object when the defaults already fit.`),
				userMessage(prompt.String()),
			},
		}, "parameter_overrides", &payload)
		if err != nil {
			// Degrades to the defaults; usage from any metered attempt
			// still reports upward.
			return &Result{Overrides: &config.ResearchOverrides{}, Usage: record}, nil
		}

		overrides, decodeErr := config.DecodeOverrides(payload.Overrides)
		if decodeErr != nil {
			overrides = &config.ResearchOverrides{}
		}
		return &Result{Overrides: overrides, Usage: record}, nil
	})
}
