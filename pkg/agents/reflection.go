package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
)

// Reflection reviews a research round: it judges note relevance,
// records a thought for the thought pad and, between rounds, proposes
// outline revisions based on what the evidence actually supports.
type Reflection struct {
	model ModelCaller
}

func NewReflection(model ModelCaller) *Reflection {
	return &Reflection{model: model}
}

func (a *Reflection) Name() string { return "reflection" }

type reflectionPayload struct {
	Thought string `json:"thought"`

	// NoteJudgments keys are note ids from the prompt.
	NoteJudgments map[string]NoteHint `json:"note_judgments"`

	// RevisedOutline is empty when the outline should stand.
	RevisedOutline []sectionPayload `json:"revised_outline,omitempty"`
}

// Run judges the round's notes against the outline. When
// b.Params.SkipFinalReplanning is unset the model may also return a
// revised outline; the caller decides whether to adopt it.
func (a *Reflection) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		var prompt strings.Builder
		fmt.Fprintf(&prompt, "Research request:\n%s\n\nOutline:\n%s\n", b.UserRequest, formatSections(b.Outline, ""))
		if len(b.Pads.ThoughtPad) > 0 {
			fmt.Fprintf(&prompt, "\nEarlier thoughts:\n%s", bulletList(b.Pads.ThoughtPad))
		}
		fmt.Fprintf(&prompt, "\nNotes from round %d:\n%s", b.Round, formatNotes(b.Notes, 0))

		system := `You review a round of research notes against the report outline.
For every note id, judge is_relevant and list the section ids it could support
in potential_sections. Record one short thought summarizing what this round
established and what is still missing.`
		if !b.Params.SkipFinalReplanning {
			system += `
If the evidence shows the outline no longer fits, return the full corrected
outline in revised_outline, keeping section_ids for surviving sections.
Leave revised_outline empty when the outline stands.`
		}

		var payload reflectionPayload
		record, err := callStructured(ctx, a.model, dispatch.Call{
			UserID:    b.UserID,
			MissionID: b.MissionID,
			Tier:      config.TierMid,
			Messages: []llms.Message{
				systemMessage(system),
				userMessage(prompt.String()),
			},
		}, "round_reflection", &payload)
		if err != nil {
			return nil, err
		}

		result := &Result{
			Thought:        strings.TrimSpace(payload.Thought),
			RelevanceHints: payload.NoteJudgments,
			Usage:          record,
		}
		if !b.Params.SkipFinalReplanning && len(payload.RevisedOutline) > 0 {
			result.Outline = toSections(payload.RevisedOutline)
		}
		return result, nil
	})
}
