package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/mission"
)

// NoteAssigner distributes the mission's relevant notes across the leaf
// sections of the outline before writing begins.
type NoteAssigner struct {
	model ModelCaller
}

func NewNoteAssigner(model ModelCaller) *NoteAssigner {
	return &NoteAssigner{model: model}
}

func (a *NoteAssigner) Name() string { return "note_assigner" }

type assignmentPayload struct {
	// Assignments maps section id to the note ids it receives.
	Assignments map[string][]string `json:"assignments"`
}

// Run assigns b.Notes to the leaf sections in b.Outline. The model's
// answer is clamped to the configured per-section bounds and scrubbed of
// unknown ids before it is returned.
func (a *NoteAssigner) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		leaves := leafSections(b.Outline)
		if len(leaves) == 0 {
			return nil, fmt.Errorf("note_assigner: outline has no sections")
		}

		var prompt strings.Builder
		fmt.Fprintf(&prompt, "Sections:\n")
		for _, leaf := range leaves {
			fmt.Fprintf(&prompt, "- %s: %s (%s)\n", leaf.SectionID, leaf.Title, leaf.Description)
		}
		fmt.Fprintf(&prompt, "\nNotes:\n%s", formatNotes(b.Notes, 0))
		for _, note := range b.Notes {
			if len(note.PotentialSections) > 0 {
				fmt.Fprintf(&prompt, "hint: note %s may fit sections %s\n",
					note.NoteID, strings.Join(note.PotentialSections, ", "))
			}
		}
		fmt.Fprintf(&prompt, "\nAssign between %d and %d notes to each section.",
			b.Params.MinNotesPerSectionAssignment, b.Params.MaxNotesPerSectionAssignment)

		var payload assignmentPayload
		record, err := callStructured(ctx, a.model, dispatch.Call{
			UserID:    b.UserID,
			MissionID: b.MissionID,
			Tier:      config.TierMid,
			Messages: []llms.Message{
				systemMessage(`You assign research notes to report sections.
Every section gets the notes that best support it. A note may appear under
more than one section when it genuinely supports both.`),
				userMessage(prompt.String()),
			},
		}, "note_assignments", &payload)
		if err != nil {
			return nil, err
		}

		assignments := a.sanitize(payload.Assignments, leaves, b.Notes, b.Params)
		return &Result{Assignments: assignments, Usage: record}, nil
	})
}

// sanitize drops unknown note and section ids, caps each section at the
// max bound and tops up sections below the min bound from the notes
// whose potential_sections hint at them.
func (a *NoteAssigner) sanitize(raw map[string][]string, leaves []mission.Section, notes []*mission.Note, params config.ResearchParams) map[string][]string {
	known := make(map[string]*mission.Note, len(notes))
	for _, note := range notes {
		known[note.NoteID] = note
	}

	assignments := make(map[string][]string, len(leaves))
	for _, leaf := range leaves {
		seen := make(map[string]bool)
		var ids []string
		for _, id := range raw[leaf.SectionID] {
			if known[id] == nil || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if params.MaxNotesPerSectionAssignment > 0 && len(ids) >= params.MaxNotesPerSectionAssignment {
				break
			}
		}

		if len(ids) < params.MinNotesPerSectionAssignment {
			for _, note := range notes {
				if len(ids) >= params.MinNotesPerSectionAssignment {
					break
				}
				if seen[note.NoteID] || !hintsSection(note, leaf.SectionID) {
					continue
				}
				seen[note.NoteID] = true
				ids = append(ids, note.NoteID)
			}
		}
		assignments[leaf.SectionID] = ids
	}
	return assignments
}

func hintsSection(note *mission.Note, sectionID string) bool {
	for _, id := range note.PotentialSections {
		if id == sectionID {
			return true
		}
	}
	return false
}

func leafSections(sections []mission.Section) []mission.Section {
	var leaves []mission.Section
	for _, s := range sections {
		if len(s.Subsections) == 0 {
			leaves = append(leaves, s)
			continue
		}
		leaves = append(leaves, leafSections(s.Subsections)...)
	}
	return leaves
}
