package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/httpclient"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

// SearchQuery is one provider search request.
type SearchQuery struct {
	Query          string
	MaxResults     int
	DateFrom       string
	DateTo         string
	IncludeDomains []string
	ExcludeDomains []string
}

// SearchResultItem is one hit from a web search provider.
type SearchResultItem struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query SearchQuery) ([]SearchResultItem, error)
}

// throttle serializes provider access: a bounded permit pool shared by
// every mission in the process, plus a minimum spacing between calls.
type throttle struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	interval time.Duration
	lastCall time.Time
}

func newThrottle(permits int, interval time.Duration) *throttle {
	if permits <= 0 {
		permits = 1
	}
	return &throttle{sem: semaphore.NewWeighted(int64(permits)), interval: interval}
}

func (t *throttle) acquire(ctx context.Context) (release func(), err error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	t.mu.Lock()
	wait := t.interval - time.Since(t.lastCall)
	if wait > 0 {
		t.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			t.sem.Release(1)
			return nil, ctx.Err()
		}
		t.mu.Lock()
	}
	t.lastCall = time.Now()
	t.mu.Unlock()

	return func() { t.sem.Release(1) }, nil
}

// WebSearchTool searches the web through a configured provider. Provider
// failures never fail the mission: they come back as Success=false with
// a readable explanation plus a web_search_error feedback event.
type WebSearchTool struct {
	provider  SearchProvider
	throttle  *throttle
	publisher Publisher
	meter     *usage.Meter
}

// SetMeter wires the usage meter so every provider invocation counts
// against the calling mission's web-search total.
func (t *WebSearchTool) SetMeter(meter *usage.Meter) {
	t.meter = meter
}

func NewWebSearchTool(cfg *config.WebSearchConfig, publisher Publisher) (*WebSearchTool, error) {
	provider, err := NewSearchProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewWebSearchToolWithProvider(cfg, provider, publisher), nil
}

// NewWebSearchToolWithProvider wires an explicit provider, used by tests.
func NewWebSearchToolWithProvider(cfg *config.WebSearchConfig, provider SearchProvider, publisher Publisher) *WebSearchTool {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &WebSearchTool{
		provider:  provider,
		throttle:  newThrottle(cfg.MaxConcurrent, cfg.MinInterval),
		publisher: publisher,
	}
}

// NewSearchProvider builds the configured provider.
func NewSearchProvider(cfg *config.WebSearchConfig) (SearchProvider, error) {
	switch cfg.Provider {
	case "searxng":
		return NewSearxngProvider(cfg)
	case "tavily":
		return NewTavilyProvider(cfg)
	default:
		return nil, qerrors.New(qerrors.CategoryConfiguration, "web_search", "new_provider",
			fmt.Sprintf("unsupported web search provider: %s", cfg.Provider), nil)
	}
}

func (t *WebSearchTool) GetName() string {
	return "web_search"
}

func (t *WebSearchTool) GetDescription() string {
	return "Search the web for current information. Returns result titles, URLs and snippets. Supports optional date range and domain include/exclude filters."
}

func (t *WebSearchTool) GetInfo() ToolInfo {
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
				Name:        "max_results",
				Type:        "number",
				Description: "Maximum number of results",
				Required:    false,
				Default:     10,
			},
			{
				Name:        "date_from",
				Type:        "string",
				Description: "Only results published on or after this date (YYYY-MM-DD)",
				Required:    false,
			},
			{
				Name:        "date_to",
				Type:        "string",
				Description: "Only results published on or before this date (YYYY-MM-DD)",
				Required:    false,
			},
			{
				Name:        "include_domains",
				Type:        "array",
				Description: "Restrict results to these domains",
				Required:    false,
				Items:       map[string]interface{}{"type": "string"},
			},
			{
				Name:        "exclude_domains",
				Type:        "array",
				Description: "Drop results from these domains",
				Required:    false,
				Items:       map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	query := stringArg(args, "query", "")
	if query == "" {
		return errorResult(t.GetName(), "query parameter is required", start),
			fmt.Errorf("query parameter is required")
	}

	release, err := t.throttle.acquire(ctx)
	if err != nil {
		return errorResult(t.GetName(), "search cancelled while waiting for a slot", start), err
	}
	defer release()

	// Failed provider calls still hit the provider, so they count too.
	if inv, ok := InvocationFrom(ctx); ok && t.meter != nil && inv.MissionID != "" {
		t.meter.AddWebSearchCalls(inv.MissionID, 1)
	}

	results, err := t.provider.Search(ctx, SearchQuery{
		Query:          query,
		MaxResults:     intArg(args, "max_results", 10),
		DateFrom:       stringArg(args, "date_from", ""),
		DateTo:         stringArg(args, "date_to", ""),
		IncludeDomains: stringSliceArg(args, "include_domains"),
		ExcludeDomains: stringSliceArg(args, "exclude_domains"),
	})
	if err != nil {
		friendly := friendlySearchError(t.provider.Name(), err)
		t.publishFeedback(ctx, bus.FeedbackWebSearchError, map[string]interface{}{
			"query": query,
			"error": friendly,
		})
		// Provider failure is a warning, not a mission failure, so the
		// error stays out of the return value.
		return ToolResult{
			Success:       false,
			Content:       friendly,
			ToolName:      t.GetName(),
			ExecutionTime: time.Since(start),
		}, nil
	}

	t.publishFeedback(ctx, bus.FeedbackWebSearchComplete, map[string]interface{}{
		"query":       query,
		"num_results": len(results),
	})

	content, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errorResult(t.GetName(), fmt.Sprintf("failed to encode results: %v", err), start), err
	}
	return ToolResult{
		Success:       true,
		Content:       string(content),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
		Metadata: map[string]interface{}{
			"provider":    t.provider.Name(),
			"num_results": len(results),
		},
	}, nil
}

func (t *WebSearchTool) publishFeedback(ctx context.Context, typ bus.FeedbackType, payload map[string]interface{}) {
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

func friendlySearchError(provider string, err error) string {
	switch code := httpclient.StatusCodeFromError(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Sprintf("Web search is unavailable: the %s API key was rejected. Continuing with local documents only.", provider)
	case code == http.StatusTooManyRequests:
		return fmt.Sprintf("Web search is temporarily rate-limited by %s. Continuing with local documents only.", provider)
	default:
		return fmt.Sprintf("Web search failed (%s unreachable). Continuing with local documents only.", provider)
	}
}

// SearxngProvider queries a SearXNG instance's JSON search endpoint.
type SearxngProvider struct {
	baseURL string
	client  *httpclient.Client
}

func NewSearxngProvider(cfg *config.WebSearchConfig) (*SearxngProvider, error) {
	if cfg.BaseURL == "" {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "web_search", "new_searxng",
			"base_url is required for the searxng provider", nil)
	}
	return &SearxngProvider{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(2),
		),
	}, nil
}

func (p *SearxngProvider) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

func (p *SearxngProvider) Search(ctx context.Context, query SearchQuery) ([]SearchResultItem, error) {
	params := url.Values{}
	params.Set("q", query.Query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse searxng response: %w", err)
	}

	// SearXNG has no server-side domain or date filters in the JSON API,
	// so both are applied here.
	results := make([]SearchResultItem, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		item := SearchResultItem{
			Title:         r.Title,
			URL:           r.URL,
			Snippet:       r.Content,
			PublishedDate: r.PublishedDate,
		}
		if !domainAllowed(item.URL, query.IncludeDomains, query.ExcludeDomains) {
			continue
		}
		if !dateInRange(item.PublishedDate, query.DateFrom, query.DateTo) {
			continue
		}
		results = append(results, item)
		if query.MaxResults > 0 && len(results) >= query.MaxResults {
			break
		}
	}
	return results, nil
}

// TavilyProvider queries the Tavily search API.
type TavilyProvider struct {
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

func NewTavilyProvider(cfg *config.WebSearchConfig) (*TavilyProvider, error) {
	if cfg.APIKey == "" {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "web_search", "new_tavily",
			"api_key is required for the tavily provider", nil)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	return &TavilyProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(2),
		),
	}, nil
}

func (p *TavilyProvider) Name() string { return "tavily" }

type tavilyRequest struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results,omitempty"`
	StartDate      string   `json:"start_date,omitempty"`
	EndDate        string   `json:"end_date,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		PublishedDate string `json:"published_date"`
	} `json:"results"`
}

func (p *TavilyProvider) Search(ctx context.Context, query SearchQuery) ([]SearchResultItem, error) {
	payload, err := json.Marshal(tavilyRequest{
		Query:          query.Query,
		MaxResults:     query.MaxResults,
		StartDate:      query.DateFrom,
		EndDate:        query.DateTo,
		IncludeDomains: query.IncludeDomains,
		ExcludeDomains: query.ExcludeDomains,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed tavilyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tavily response: %w", err)
	}

	results := make([]SearchResultItem, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, SearchResultItem{
			Title:         r.Title,
			URL:           r.URL,
			Snippet:       r.Content,
			PublishedDate: r.PublishedDate,
		})
	}
	return results, nil
}

func domainAllowed(rawURL string, include, exclude []string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())

	for _, domain := range exclude {
		if hostMatches(host, domain) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, domain := range include {
		if hostMatches(host, domain) {
			return true
		}
	}
	return false
}

func hostMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))
	host = strings.TrimPrefix(host, "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// dateInRange keeps results whose published date falls inside the
// requested window. Results without a parseable date always pass.
func dateInRange(published, from, to string) bool {
	if published == "" || (from == "" && to == "") {
		return true
	}
	date, err := parseFlexibleDate(published)
	if err != nil {
		return true
	}
	if from != "" {
		if lower, err := time.Parse("2006-01-02", from); err == nil && date.Before(lower) {
			return false
		}
	}
	if to != "" {
		if upper, err := time.Parse("2006-01-02", to); err == nil && date.After(upper.Add(24*time.Hour-time.Nanosecond)) {
			return false
		}
	}
	return true
}

func parseFlexibleDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if date, err := time.Parse(layout, value); err == nil {
			return date, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %s", value)
}
