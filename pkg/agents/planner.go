package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/mission"
)

// Planner produces the research questions and the report outline, and
// merges user feedback into an existing outline on revision runs.
type Planner struct {
	model ModelCaller
}

func NewPlanner(model ModelCaller) *Planner {
	return &Planner{model: model}
}

func (a *Planner) Name() string { return "planner" }

// Run dispatches on the bundle: no questions yet means generate them,
// questions but no outline means generate the outline, an existing
// outline plus feedback means revise.
func (a *Planner) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		switch {
		case len(b.Questions) == 0:
			return a.generateQuestions(ctx, b)
		case len(b.Outline) > 0 && b.Feedback != "":
			return a.reviseOutline(ctx, b)
		default:
			return a.generateOutline(ctx, b)
		}
	})
}

type questionsPayload struct {
	Questions []string `json:"questions"`
}

func (a *Planner) generateQuestions(ctx context.Context, b *Bundle) (*Result, error) {
	var payload questionsPayload
	record, err := callStructured(ctx, a.model, dispatch.Call{
		UserID:    b.UserID,
		MissionID: b.MissionID,
		Tier:      config.TierIntelligent,
		Messages: []llms.Message{
			systemMessage(`You refine a research request into the concrete questions a report must answer.
Produce 3 to 6 specific, answerable research questions. Keep the user's language.`),
			userMessage(fmt.Sprintf("Research request:\n%s", b.UserRequest)),
		},
	}, "research_questions", &payload)
	if err != nil {
		return nil, err
	}

	questions := trimEmpty(payload.Questions)
	if len(questions) == 0 {
		questions = DefaultQuestions(b.UserRequest)
	}
	return &Result{Questions: questions, Usage: record}, nil
}

// The outline payload is two levels deep by construction. Structured
// output schemas are inlined into the provider request, so the payload
// types must not be recursive.
type sectionPayload struct {
	SectionID        string              `json:"section_id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	ResearchStrategy string              `json:"research_strategy"`
	Subsections      []subsectionPayload `json:"subsections,omitempty"`
}

type subsectionPayload struct {
	SectionID        string `json:"section_id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	ResearchStrategy string `json:"research_strategy"`
}

type outlinePayload struct {
	MissionGoal   string           `json:"mission_goal"`
	ReportOutline []sectionPayload `json:"report_outline"`
}

func (a *Planner) generateOutline(ctx context.Context, b *Bundle) (*Result, error) {
	prompt := fmt.Sprintf(`Research request:
%s

Questions the report must answer:
%s

Evidence gathered so far:
%s`, b.UserRequest, bulletList(b.Questions), formatNotes(b.Notes, 40))

	var payload outlinePayload
	record, err := callStructured(ctx, a.model, dispatch.Call{
		UserID:    b.UserID,
		MissionID: b.MissionID,
		Tier:      config.TierIntelligent,
		Messages: []llms.Message{
			systemMessage(`You design report outlines for research missions.
Produce a section tree that covers every question. Each section needs a title,
a one-sentence description and a research_strategy describing what evidence to
look for. Two levels deep at most.`),
			userMessage(prompt),
		},
	}, "report_outline", &payload)
	if err != nil {
		return nil, err
	}

	return &Result{Outline: toSections(payload.ReportOutline), Usage: record}, nil
}

func (a *Planner) reviseOutline(ctx context.Context, b *Bundle) (*Result, error) {
	prompt := fmt.Sprintf(`Current outline:
%s

User feedback:
%s

Revise the outline to honor the feedback. Keep section_ids for sections that
survive so their research notes stay attached; new sections get empty ids.`,
		formatSections(b.Outline, ""), b.Feedback)

	var payload outlinePayload
	record, err := callStructured(ctx, a.model, dispatch.Call{
		UserID:    b.UserID,
		MissionID: b.MissionID,
		Tier:      config.TierIntelligent,
		Messages: []llms.Message{
			systemMessage("You revise research report outlines based on user feedback."),
			userMessage(prompt),
		},
	}, "report_outline", &payload)
	if err != nil {
		return nil, err
	}

	revised := toSections(payload.ReportOutline)
	if len(revised) == 0 {
		// A revision that deletes everything keeps the old outline.
		revised = b.Outline
	}
	return &Result{Outline: revised, Usage: record}, nil
}

// DefaultQuestions is the fallback when planning yields nothing usable.
func DefaultQuestions(userRequest string) []string {
	return []string{
		fmt.Sprintf("What is the current state of knowledge about: %s?", userRequest),
		fmt.Sprintf("What are the key findings, debates or open problems related to: %s?", userRequest),
		fmt.Sprintf("What practical implications or applications follow from: %s?", userRequest),
	}
}

func toSections(payloads []sectionPayload) []mission.Section {
	sections := make([]mission.Section, 0, len(payloads))
	for _, p := range payloads {
		if strings.TrimSpace(p.Title) == "" {
			continue
		}
		sections = append(sections, mission.Section{
			SectionID:        sectionID(p.SectionID),
			Title:            p.Title,
			Description:      p.Description,
			ResearchStrategy: p.ResearchStrategy,
			Subsections:      toLeafSections(p.Subsections),
		})
	}
	return sections
}

func toLeafSections(payloads []subsectionPayload) []mission.Section {
	sections := make([]mission.Section, 0, len(payloads))
	for _, p := range payloads {
		if strings.TrimSpace(p.Title) == "" {
			continue
		}
		sections = append(sections, mission.Section{
			SectionID:        sectionID(p.SectionID),
			Title:            p.Title,
			Description:      p.Description,
			ResearchStrategy: p.ResearchStrategy,
		})
	}
	return sections
}

func sectionID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return b.String()
}

func trimEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
