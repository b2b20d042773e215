package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/httpclient"
	"github.com/quillhq/quill/pkg/webcache"
)

const (
	fetchTimeout      = 30 * time.Second
	maxFetchBodyBytes = 20 * 1024 * 1024
)

var (
	doiPattern  = regexp.MustCompile(`10\.\d{4,9}/[-._;()/:A-Za-z0-9]+`)
	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// WebFetchTool retrieves a page, extracts its main text as markdown and
// guesses bibliographic metadata. Raw bytes land in the disk cache so a
// refetch within the TTL never touches the network.
type WebFetchTool struct {
	cache     *webcache.Cache
	client    *httpclient.Client
	publisher Publisher
}

func NewWebFetchTool(cache *webcache.Cache, publisher Publisher) *WebFetchTool {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &WebFetchTool{
		cache: cache,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: fetchTimeout}),
			httpclient.WithMaxRetries(2),
		),
		publisher: publisher,
	}
}

func (t *WebFetchTool) GetName() string {
	return "web_fetch"
}

func (t *WebFetchTool) GetDescription() string {
	return "Fetch a web page or PDF by URL and return its main text as markdown, with extracted metadata (title, authors, year, DOI) when available."
}

func (t *WebFetchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "url",
				Type:        "string",
				Description: "The URL to fetch",
				Required:    true,
			},
		},
	}
}

type fetchPayload struct {
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	ContentType string            `json:"content_type"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	FromCache   bool              `json:"from_cache"`
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	rawURL := stringArg(args, "url", "")
	if rawURL == "" {
		return errorResult(t.GetName(), "url parameter is required", start),
			fmt.Errorf("url parameter is required")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("invalid url: %v", err), start), err
	}

	t.publishFeedback(ctx, bus.FeedbackWebFetchStart, map[string]interface{}{"url": rawURL})

	payload, failure := t.fetch(ctx, rawURL)
	if failure != nil {
		t.publishFeedback(ctx, bus.FeedbackWebFetchComplete, map[string]interface{}{
			"url":     rawURL,
			"success": false,
		})
		content, _ := json.MarshalIndent(failure, "", "  ")
		return ToolResult{
			Success:       false,
			Content:       string(content),
			Error:         failure.Message,
			ToolName:      t.GetName(),
			ExecutionTime: time.Since(start),
		}, nil
	}

	t.publishFeedback(ctx, bus.FeedbackWebFetchComplete, map[string]interface{}{
		"url":        rawURL,
		"success":    true,
		"from_cache": payload.FromCache,
	})

	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("failed to encode result: %v", err), start), err
	}
	return ToolResult{
		Success:       true,
		Content:       string(content),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]interface{}{
			"from_cache":   payload.FromCache,
			"content_type": payload.ContentType,
		},
	}, nil
}

// fetchFailure is the structured error shape returned for fetch
// problems the mission should survive.
type fetchFailure struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL string) (*fetchPayload, *fetchFailure) {
	if body, meta, ok := t.cache.Get(rawURL); ok {
		content, extracted, title := extractContent(rawURL, body, meta.ContentType)
		return &fetchPayload{
			URL:         rawURL,
			Title:       firstNonEmpty(meta.Title, title),
			ContentType: meta.ContentType,
			Content:     content,
			Metadata:    mergeExtracted(meta.Extracted, extracted),
			FromCache:   true,
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &fetchFailure{URL: rawURL, Message: err.Error()}
	}
	req.Header.Set("User-Agent", "quill-research-bot/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		status := httpclient.StatusCodeFromError(err)
		if status == http.StatusForbidden {
			return nil, &fetchFailure{
				URL:        rawURL,
				StatusCode: status,
				Message:    "access denied by the site",
				Suggestion: "The site blocks automated fetching. Try searching for the same content on another site, or cite the search snippet instead.",
			}
		}
		failure := &fetchFailure{URL: rawURL, StatusCode: status, Message: err.Error()}
		if status == 0 {
			failure.Message = fmt.Sprintf("fetch failed: %v", err)
		}
		return nil, failure
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return nil, &fetchFailure{URL: rawURL, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	content, extracted, title := extractContent(rawURL, body, contentType)

	if err := t.cache.Put(rawURL, body, webcache.Metadata{
		ContentType: contentType,
		Title:       title,
		Extracted:   extracted,
	}); err != nil {
		// A cache write failure only costs a future refetch.
		_ = err
	}

	return &fetchPayload{
		URL:         rawURL,
		Title:       title,
		ContentType: contentType,
		Content:     content,
		Metadata:    extracted,
	}, nil
}

func (t *WebFetchTool) publishFeedback(ctx context.Context, typ bus.FeedbackType, payload map[string]interface{}) {
	inv, ok := InvocationFrom(ctx)
	if !ok {
		return
	}
	t.publisher.PublishFeedback(inv.MissionID, bus.Feedback{
		Type:      typ,
		AgentName: inv.AgentName,
		Payload:   payload,
	})
}

// extractContent turns raw fetched bytes into markdown text plus
// metadata guesses. Extraction failures degrade to the raw text.
func extractContent(rawURL string, body []byte, contentType string) (content string, extracted map[string]string, title string) {
	if contentType == "application/pdf" || strings.HasSuffix(strings.ToLower(rawURL), ".pdf") {
		return extractPDF(body)
	}
	return extractHTML(rawURL, body)
}

func extractHTML(rawURL string, body []byte) (string, map[string]string, string) {
	pageURL, _ := url.Parse(rawURL)

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return string(body), guessMetadata(string(body), "", nil), ""
	}

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(markdown) == "" {
		markdown = article.TextContent
	}

	extracted := guessMetadata(article.TextContent, article.Byline, article.PublishedTime)
	return markdown, extracted, article.Title
}

func extractPDF(body []byte) (string, map[string]string, string) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", map[string]string{}, ""
	}
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", map[string]string{}, ""
	}
	raw, err := io.ReadAll(textReader)
	if err != nil {
		return "", map[string]string{}, ""
	}
	text := string(raw)

	// First non-empty line stands in for the title.
	title := ""
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			title = trimmed
			break
		}
	}
	return text, guessMetadata(text, "", nil), title
}

// guessMetadata pulls bibliographic hints (authors, year, DOI) out of
// extracted text. Best effort only.
func guessMetadata(text, byline string, published *time.Time) map[string]string {
	extracted := make(map[string]string)

	if byline != "" {
		extracted["authors"] = byline
	}
	if published != nil {
		extracted["year"] = strconv.Itoa(published.Year())
	}

	head := text
	if len(head) > 4000 {
		head = head[:4000]
	}
	if doi := doiPattern.FindString(head); doi != "" {
		extracted["doi"] = strings.TrimRight(doi, ".,;")
	}
	if _, ok := extracted["year"]; !ok {
		if year := yearPattern.FindString(head); year != "" {
			extracted["year"] = year
		}
	}
	return extracted
}

func mergeExtracted(cached, fresh map[string]string) map[string]string {
	if len(cached) == 0 {
		return fresh
	}
	merged := make(map[string]string, len(cached)+len(fresh))
	for k, v := range fresh {
		merged[k] = v
	}
	for k, v := range cached {
		merged[k] = v
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
