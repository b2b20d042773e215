package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
)

// Writer drafts one report section per run from the notes assigned to
// it. Later passes receive the previous pass's text and refine it.
type Writer struct {
	model ModelCaller
}

func NewWriter(model ModelCaller) *Writer {
	return &Writer{model: model}
}

func (a *Writer) Name() string { return "writer" }

// Run writes b.Section using b.Notes, which the caller has already
// filtered to the notes assigned to that section.
func (a *Writer) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		if b.Section == nil {
			return nil, fmt.Errorf("writer: no section to write")
		}

		var prompt strings.Builder
		fmt.Fprintf(&prompt, "Report goal:\n%s\n\nFull outline:\n%s\n", b.UserRequest, formatSections(b.Outline, ""))
		fmt.Fprintf(&prompt, "\nSection to write: %s", b.Section.Title)
		if b.Section.Description != "" {
			fmt.Fprintf(&prompt, " (%s)", b.Section.Description)
		}
		fmt.Fprintf(&prompt, "\n\nEvidence notes:\n%s", formatNotes(b.Notes, 0))
		if b.PreviousContent != "" {
			fmt.Fprintf(&prompt, "\nPrevious draft of this section:\n%s\n", b.PreviousContent)
		}

		system := `You write one section of a research report in markdown.
Ground every claim in the evidence notes and cite them inline as [note_id].
Write prose under a "## Title" heading; no preamble, no conclusion for the
whole report, only this section.`
		if b.PreviousContent != "" {
			system += `
A previous draft is provided. Improve it: tighten the prose, fix citation
gaps and fold in any evidence the draft missed.`
		}

		result, record, err := a.model.Dispatch(ctx, dispatch.Call{
			UserID:    b.UserID,
			MissionID: b.MissionID,
			Tier:      config.TierIntelligent,
			Messages: []llms.Message{
				systemMessage(system),
				userMessage(prompt.String()),
			},
		})
		if err != nil {
			return nil, err
		}

		content := strings.TrimSpace(result.Text)
		if content == "" {
			content = fmt.Sprintf("## %s\n\n(No evidence was gathered for this section.)", b.Section.Title)
		}
		return &Result{SectionContent: content, Usage: record}, nil
	})
}
