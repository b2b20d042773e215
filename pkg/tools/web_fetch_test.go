package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/webcache"
)

const testPage = `<!DOCTYPE html>
<html>
<head><title>Consensus Algorithms</title></head>
<body>
<article>
<h1>Consensus Algorithms</h1>
<p>Raft is a consensus algorithm designed to be easy to understand. It
separates leader election from log replication so each piece can be
reasoned about independently. DOI: 10.1145/2723872.2723876</p>
<p>Published in 2014, the protocol has since been adopted by etcd and
many other distributed systems that need replicated state machines.</p>
</article>
</body>
</html>`

func newFetchTool(t *testing.T, publisher Publisher) *WebFetchTool {
	t.Helper()
	cache, err := webcache.New(&config.WebCacheConfig{Dir: t.TempDir(), ExpirationDays: 7})
	require.NoError(t, err)
	return NewWebFetchTool(cache, publisher)
}

func TestWebFetchExtractsContentAndMetadata(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	publisher := &recordingPublisher{}
	tool := newFetchTool(t, publisher)

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1", AgentName: "researcher"})
	result, err := tool.Execute(ctx, map[string]interface{}{"url": server.URL + "/raft"})
	require.NoError(t, err)
	require.True(t, result.Success)

	var payload fetchPayload
	require.NoError(t, json.Unmarshal([]byte(result.Content), &payload))
	assert.Equal(t, "Consensus Algorithms", payload.Title)
	assert.Contains(t, payload.Content, "leader election")
	assert.Equal(t, "10.1145/2723872.2723876", payload.Metadata["doi"])
	assert.False(t, payload.FromCache)

	require.Len(t, publisher.byType(bus.FeedbackWebFetchStart), 1)
	completes := publisher.byType(bus.FeedbackWebFetchComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, true, completes[0].Payload["success"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebFetchSecondCallServedFromCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	tool := newFetchTool(t, nil)
	pageURL := server.URL + "/raft"

	first, err := tool.Execute(context.Background(), map[string]interface{}{"url": pageURL})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := tool.Execute(context.Background(), map[string]interface{}{"url": pageURL})
	require.NoError(t, err)
	require.True(t, second.Success)

	var payload fetchPayload
	require.NoError(t, json.Unmarshal([]byte(second.Content), &payload))
	assert.True(t, payload.FromCache)
	assert.Contains(t, payload.Content, "leader election")

	assert.Equal(t, int32(1), hits.Load())
}

func TestWebFetchForbiddenGivesSuggestion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	publisher := &recordingPublisher{}
	tool := newFetchTool(t, publisher)

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1"})
	result, err := tool.Execute(ctx, map[string]interface{}{"url": server.URL + "/blocked"})

	// The mission survives a blocked fetch.
	require.NoError(t, err)
	assert.False(t, result.Success)

	var failure fetchFailure
	require.NoError(t, json.Unmarshal([]byte(result.Content), &failure))
	assert.Equal(t, http.StatusForbidden, failure.StatusCode)
	assert.NotEmpty(t, failure.Suggestion)

	completes := publisher.byType(bus.FeedbackWebFetchComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, false, completes[0].Payload["success"])
}

func TestWebFetchRejectsInvalidURL(t *testing.T) {
	tool := newFetchTool(t, nil)
	_, err := tool.Execute(context.Background(), map[string]interface{}{"url": "not a url"})
	require.Error(t, err)
}

func TestGuessMetadata(t *testing.T) {
	text := "A Study of Things. Published 2021. doi reference 10.1000/xyz123."
	extracted := guessMetadata(text, "Jane Roe, Sam Lee", nil)

	assert.Equal(t, "Jane Roe, Sam Lee", extracted["authors"])
	assert.Equal(t, "2021", extracted["year"])
	assert.Equal(t, "10.1000/xyz123", extracted["doi"])
}
