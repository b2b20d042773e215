package tools

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/usage"
)

type recordingPublisher struct {
	mu        sync.Mutex
	feedbacks []bus.Feedback
	missions  []string
}

func (p *recordingPublisher) PublishFeedback(missionID string, feedback bus.Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missions = append(p.missions, missionID)
	p.feedbacks = append(p.feedbacks, feedback)
}

func (p *recordingPublisher) byType(typ bus.FeedbackType) []bus.Feedback {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Feedback
	for _, f := range p.feedbacks {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type stubTool struct {
	name   string
	result ToolResult
	err    error
	calls  int
}

func (s *stubTool) GetName() string        { return s.name }
func (s *stubTool) GetDescription() string { return "stub" }
func (s *stubTool) GetInfo() ToolInfo      { return ToolInfo{Name: s.name, Description: "stub"} }

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	s.calls++
	return s.result, s.err
}

func TestRegistryExecuteTool(t *testing.T) {
	reg := NewRegistry()
	stub := &stubTool{name: "stub", result: ToolResult{Success: true, Content: "ok", ToolName: "stub"}}
	require.NoError(t, reg.Register("stub", stub))

	result, err := reg.ExecuteTool(context.Background(), "stub", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 1, stub.calls)
}

func TestRegistryCountsToolCallsPerMission(t *testing.T) {
	reg := NewRegistry()
	meter := usage.NewMeter(nil)
	reg.SetMeter(meter)
	stub := &stubTool{name: "stub", result: ToolResult{Success: true, ToolName: "stub"}}
	require.NoError(t, reg.Register("stub", stub))

	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1", UserID: "u1", AgentName: "researcher"})
	_, err := reg.ExecuteTool(ctx, "stub", nil)
	require.NoError(t, err)
	// Without a mission invocation there is nothing to bill.
	_, err = reg.ExecuteTool(context.Background(), "stub", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), meter.Totals("m1").TotalToolCalls)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.ExecuteTool(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInvocationRoundTrip(t *testing.T) {
	ctx := WithInvocation(context.Background(), Invocation{MissionID: "m1", UserID: "u1", AgentName: "researcher"})

	inv, ok := InvocationFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "m1", inv.MissionID)
	assert.Equal(t, "u1", inv.UserID)
	assert.Equal(t, "researcher", inv.AgentName)

	_, ok = InvocationFrom(context.Background())
	assert.False(t, ok)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"s":     "value",
		"n":     float64(7),
		"b":     true,
		"list":  []interface{}{"a", "b", 3},
		"lone":  "single",
		"empty": "",
	}

	assert.Equal(t, "value", stringArg(args, "s", "fallback"))
	assert.Equal(t, "fallback", stringArg(args, "empty", "fallback"))
	assert.Equal(t, 7, intArg(args, "n", 0))
	assert.Equal(t, 4, intArg(args, "missing", 4))
	assert.True(t, boolArg(args, "b", false))
	assert.Equal(t, []string{"a", "b"}, stringSliceArg(args, "list"))
	assert.Equal(t, []string{"single"}, stringSliceArg(args, "lone"))
	assert.Nil(t, stringSliceArg(args, "missing"))
}

func TestThrottleSpacesCalls(t *testing.T) {
	th := newThrottle(2, 50*time.Millisecond)

	release, err := th.acquire(context.Background())
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = th.acquire(context.Background())
	require.NoError(t, err)
	release()

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestThrottleHonorsCancellation(t *testing.T) {
	th := newThrottle(1, time.Minute)

	release, err := th.acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.acquire(ctx)
	assert.Error(t, err)
}
