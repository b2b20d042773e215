package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillhq/quill/pkg/retrieval"
)

// Searcher is the retrieval surface the document search tool needs.
// *retrieval.Engine satisfies it.
type Searcher interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]retrieval.Chunk, error)
}

// DocumentSearchTool exposes the retrieval pipeline to agents.
type DocumentSearchTool struct {
	engine Searcher
}

func NewDocumentSearchTool(engine Searcher) *DocumentSearchTool {
	return &DocumentSearchTool{engine: engine}
}

func (t *DocumentSearchTool) GetName() string {
	return "document_search"
}

func (t *DocumentSearchTool) GetDescription() string {
	return "Search the indexed document collection for passages relevant to a query. Returns scored text chunks with their source document ids."
}

func (t *DocumentSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "query",
				Type:        "string",
				Description: "Search query text",
				Required:    true,
			},
			{
				Name:        "n_results",
				Type:        "number",
				Description: "Maximum number of chunks to return",
				Required:    false,
				Default:     5,
			},
			{
				Name:        "document_group_id",
				Type:        "string",
				Description: "Restrict the search to a document group",
				Required:    false,
			},
			{
				Name:        "filter_doc_ids",
				Type:        "array",
				Description: "Restrict the search to specific document ids",
				Required:    false,
				Items:       map[string]interface{}{"type": "string"},
			},
			{
				Name:        "use_reranker",
				Type:        "boolean",
				Description: "Rerank results against the query with a model",
				Required:    false,
				Default:     false,
			},
		},
	}
}

func (t *DocumentSearchTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	query := stringArg(args, "query", "")
	if query == "" {
		return errorResult(t.GetName(), "query parameter is required", start),
			fmt.Errorf("query parameter is required")
	}

	req := retrieval.Request{
		Query:           query,
		NResults:        intArg(args, "n_results", 0),
		DocumentGroupID: stringArg(args, "document_group_id", ""),
		FilterDocIDs:    stringSliceArg(args, "filter_doc_ids"),
		FilterDocID:     stringArg(args, "filter_doc_id", ""),
		UseReranker:     boolArg(args, "use_reranker", false),
	}

	chunks, err := t.engine.Retrieve(ctx, req)
	if err != nil {
		return errorResult(t.GetName(), err.Error(), start), err
	}

	content, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("failed to encode results: %v", err), start), err
	}

	return ToolResult{
		Success:       true,
		Content:       string(content),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]interface{}{
			"num_results": len(chunks),
		},
	}, nil
}
