package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/retrieval"
	"github.com/quillhq/quill/pkg/tools"
)

// Researcher gathers evidence: it searches documents and the web, then
// extracts notes from what came back. One Run is one exploration pass
// for a question or one research cycle for a section.
type Researcher struct {
	model     ModelCaller
	tools     ToolExecutor
	publisher Publisher

	// UseWeb gates web searches for the mission.
	UseWeb bool
}

func NewResearcher(model ModelCaller, executor ToolExecutor, publisher Publisher, useWeb bool) *Researcher {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Researcher{model: model, tools: executor, publisher: publisher, UseWeb: useWeb}
}

func (a *Researcher) Name() string { return "researcher" }

// source is one search hit offered to the note extractor.
type source struct {
	ID       string
	Type     mission.SourceType
	Content  string
	Metadata map[string]interface{}
}

// Run performs a search pass. A question run (b.Section == nil) uses the
// initial-exploration result counts; a section run uses the section's
// research strategy and may suggest a follow-up query.
func (a *Researcher) Run(ctx context.Context, b *Bundle) (*Result, error) {
	return run(ctx, a.Name(), func(ctx context.Context) (*Result, error) {
		query, docResults, webResults := a.searchPlan(b)

		sources := a.collectSources(ctx, b, query, docResults, webResults)
		if len(sources) == 0 {
			return &Result{}, nil
		}

		return a.extractNotes(ctx, b, query, sources)
	})
}

func (a *Researcher) searchPlan(b *Bundle) (query string, docResults, webResults int) {
	if b.Section == nil {
		query = firstNonEmpty(b.FollowUpQuery, questionFor(b))
		return query, b.Params.InitialExplorationDocResults, b.Params.InitialExplorationWebResults
	}

	query = b.FollowUpQuery
	if query == "" {
		query = b.Section.Title
		if b.Section.ResearchStrategy != "" {
			query = fmt.Sprintf("%s %s", b.Section.Title, b.Section.ResearchStrategy)
		}
	}
	return query, b.Params.InitialExplorationDocResults, b.Params.InitialExplorationWebResults
}

func questionFor(b *Bundle) string {
	if len(b.Questions) > 0 {
		return b.Questions[0]
	}
	return b.UserRequest
}

// collectSources runs the searches. Tool failures degrade to whatever
// the other source produced.
func (a *Researcher) collectSources(ctx context.Context, b *Bundle, query string, docResults, webResults int) []source {
	ctx = tools.WithInvocation(ctx, tools.Invocation{MissionID: b.MissionID, UserID: b.UserID, AgentName: a.Name()})
	var sources []source

	if docResults > 0 {
		result, err := a.tools.ExecuteTool(ctx, "document_search", map[string]interface{}{
			"query":     query,
			"n_results": docResults,
		})
		if err == nil && result.Success {
			sources = append(sources, docSources(result.Content)...)
		}
	}

	if a.UseWeb && webResults > 0 {
		result, err := a.tools.ExecuteTool(ctx, "web_search", map[string]interface{}{
			"query":       query,
			"max_results": webResults,
		})
		if err == nil && result.Success {
			sources = append(sources, webSources(result.Content)...)
		}
	}
	return sources
}

func docSources(content string) []source {
	var chunks []retrieval.Chunk
	if err := json.Unmarshal([]byte(content), &chunks); err != nil {
		return nil
	}
	sources := make([]source, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, source{
			ID:       chunk.ChunkID,
			Type:     mission.SourceDocument,
			Content:  chunk.Content,
			Metadata: chunk.Metadata,
		})
	}
	return sources
}

func webSources(content string) []source {
	var items []tools.SearchResultItem
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return nil
	}
	sources := make([]source, 0, len(items))
	for _, item := range items {
		sources = append(sources, source{
			ID:      item.URL,
			Type:    mission.SourceWeb,
			Content: fmt.Sprintf("%s\n%s", item.Title, item.Snippet),
			Metadata: map[string]interface{}{
				"url":   item.URL,
				"title": item.Title,
			},
		})
	}
	return sources
}

type extractedNote struct {
	Content     string `json:"content"`
	SourceIndex int    `json:"source_index"`
}

type extractionPayload struct {
	Notes []extractedNote `json:"notes"`

	// FollowUpQuery narrows the next cycle; empty means the section is
	// covered.
	FollowUpQuery string `json:"follow_up_query"`
}

func (a *Researcher) extractNotes(ctx context.Context, b *Bundle, query string, sources []source) (*Result, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Search query: %s\n\nSources:\n", query)
	for i, src := range sources {
		excerpt := src.Content
		if len(excerpt) > 1500 {
			excerpt = excerpt[:1500]
		}
		fmt.Fprintf(&prompt, "[%d] (%s) %s\n\n", i, src.Type, excerpt)
	}

	var payload extractionPayload
	record, err := callStructured(ctx, a.model, dispatch.Call{
		UserID:    b.UserID,
		MissionID: b.MissionID,
		Tier:      config.TierMid,
		Messages: []llms.Message{
			systemMessage(`You extract research notes from search results.
Each note is one self-contained factual statement grounded in exactly one
source, referenced by source_index. Skip sources that carry nothing relevant.
If an important aspect of the query remains uncovered, set follow_up_query to
a narrower search; otherwise leave it empty.`),
			userMessage(prompt.String()),
		},
	}, "extracted_notes", &payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	notes := make([]*mission.Note, 0, len(payload.Notes))
	for _, extracted := range payload.Notes {
		if extracted.SourceIndex < 0 || extracted.SourceIndex >= len(sources) {
			continue
		}
		if strings.TrimSpace(extracted.Content) == "" {
			continue
		}
		src := sources[extracted.SourceIndex]
		note := &mission.Note{
			NoteID:         uuid.NewString(),
			Content:        extracted.Content,
			SourceType:     src.Type,
			SourceID:       src.ID,
			SourceMetadata: src.Metadata,
			CreatedAt:      now,
			Round:          b.Round,
		}
		if b.Section != nil {
			note.PotentialSections = []string{b.Section.SectionID}
		}
		notes = append(notes, note)

		a.publisher.PublishFeedback(b.MissionID, bus.Feedback{
			Type:      bus.FeedbackNoteGenerated,
			AgentName: a.Name(),
			Payload: map[string]interface{}{
				"note_id":     note.NoteID,
				"source_type": string(note.SourceType),
			},
		})
	}

	return &Result{
		Notes:         notes,
		FollowUpQuery: strings.TrimSpace(payload.FollowUpQuery),
		Usage:         record,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
