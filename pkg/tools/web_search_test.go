package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/usage"
)

func searchConfig(baseURL string) *config.WebSearchConfig {
	return &config.WebSearchConfig{
		Provider:      "searxng",
		BaseURL:       baseURL,
		Timeout:       5,
		MaxConcurrent: 2,
		MinInterval:   time.Millisecond,
	}
}

func searxngServer(t *testing.T, results []map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
}

func TestWebSearchReturnsResults(t *testing.T) {
	server := searxngServer(t, []map[string]string{
		{"title": "Raft paper", "url": "https://raft.github.io/raft.pdf", "content": "consensus"},
		{"title": "Etcd docs", "url": "https://etcd.io/docs", "content": "kv store"},
	})
	defer server.Close()

	publisher := &recordingPublisher{}
	tool, err := NewWebSearchTool(searchConfig(server.URL), publisher)
	require.NoError(t, err)
	meter := usage.NewMeter(nil)
	tool.SetMeter(meter)

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1", AgentName: "researcher"})
	result, err := tool.Execute(ctx, map[string]interface{}{"query": "raft consensus"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int64(1), meter.Totals("m1").TotalWebSearchCalls)

	var items []SearchResultItem
	require.NoError(t, json.Unmarshal([]byte(result.Content), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "Raft paper", items[0].Title)

	completes := publisher.byType(bus.FeedbackWebSearchComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "raft consensus", completes[0].Payload["query"])
	assert.Equal(t, 2, completes[0].Payload["num_results"])
}

func TestWebSearchAuthFailureIsWarningNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	publisher := &recordingPublisher{}
	tool, err := NewWebSearchTool(searchConfig(server.URL), publisher)
	require.NoError(t, err)
	meter := usage.NewMeter(nil)
	tool.SetMeter(meter)

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1"})
	result, err := tool.Execute(ctx, map[string]interface{}{"query": "anything"})

	// Provider failure never becomes a tool error.
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, "API key was rejected")
	// The provider was still hit, so the call is still counted.
	assert.Equal(t, int64(1), meter.Totals("m1").TotalWebSearchCalls)

	errs := publisher.byType(bus.FeedbackWebSearchError)
	require.Len(t, errs, 1)
	assert.Equal(t, "anything", errs[0].Payload["query"])
}

func TestWebSearchDomainFilters(t *testing.T) {
	server := searxngServer(t, []map[string]string{
		{"title": "keep", "url": "https://docs.example.com/a"},
		{"title": "drop excluded", "url": "https://spam.example.org/b"},
		{"title": "drop not included", "url": "https://other.net/c"},
	})
	defer server.Close()

	tool, err := NewWebSearchTool(searchConfig(server.URL), nil)
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"query":           "q",
		"include_domains": []interface{}{"example.com"},
		"exclude_domains": []interface{}{"example.org"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	var items []SearchResultItem
	require.NoError(t, json.Unmarshal([]byte(result.Content), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "keep", items[0].Title)
}

func TestWebSearchDateFilter(t *testing.T) {
	server := searxngServer(t, []map[string]string{
		{"title": "old", "url": "https://a.com/1", "publishedDate": "2019-05-01"},
		{"title": "new", "url": "https://a.com/2", "publishedDate": "2024-05-01"},
		{"title": "undated", "url": "https://a.com/3"},
	})
	defer server.Close()

	tool, err := NewWebSearchTool(searchConfig(server.URL), nil)
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"query":     "q",
		"date_from": "2023-01-01",
	})
	require.NoError(t, err)

	var items []SearchResultItem
	require.NoError(t, json.Unmarshal([]byte(result.Content), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "new", items[0].Title)
	assert.Equal(t, "undated", items[1].Title)
}

func TestWebSearchMissingQuery(t *testing.T) {
	tool := NewWebSearchToolWithProvider(searchConfig("http://unused"), nil, nil)
	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}

func TestTavilyProviderRequest(t *testing.T) {
	var captured tavilyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{{"title": "hit", "url": "https://a.com"}},
		})
	}))
	defer server.Close()

	provider, err := NewTavilyProvider(&config.WebSearchConfig{
		Provider: "tavily",
		BaseURL:  server.URL,
		APIKey:   "key-123",
		Timeout:  5,
	})
	require.NoError(t, err)

	results, err := provider.Search(context.Background(), SearchQuery{
		Query:          "q",
		MaxResults:     3,
		DateFrom:       "2024-01-01",
		IncludeDomains: []string{"a.com"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "q", captured.Query)
	assert.Equal(t, 3, captured.MaxResults)
	assert.Equal(t, "2024-01-01", captured.StartDate)
	assert.Equal(t, []string{"a.com"}, captured.IncludeDomains)
}

func TestUnsupportedProviderRejected(t *testing.T) {
	_, err := NewSearchProvider(&config.WebSearchConfig{Provider: "bing"})
	require.Error(t, err)
}

func TestHostMatches(t *testing.T) {
	assert.True(t, hostMatches("docs.example.com", "example.com"))
	assert.True(t, hostMatches("www.example.com", "example.com"))
	assert.False(t, hostMatches("notexample.com", "example.com"))
}
