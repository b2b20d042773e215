package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

type fakeProvider struct {
	mu          sync.Mutex
	result      *llms.Result
	err         error
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       int
}

func (f *fakeProvider) Generate(ctx context.Context, messages []llms.Message, opts llms.Options) (*llms.Result, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeProvider) GetModelName() string    { return "fake-model" }
func (f *fakeProvider) GetProviderName() string { return "fake" }
func (f *fakeProvider) Close() error            { return nil }

func testResolver(maxConcurrent int) *config.Resolver {
	research := config.DefaultResearchParams()
	research.MaxConcurrentRequests = maxConcurrent
	return config.NewResolver(&config.Config{
		Tiers: map[config.Tier]*config.TierConfig{
			config.TierFast: {
				Provider: config.LLMProviderOpenAI,
				Model:    "fake-model",
				APIKey:   "test-key",
			},
		},
		Research: research,
		Pricing: map[string]config.ModelPricing{
			"fake-model": {InputPerMTok: 1.0, OutputPerMTok: 2.0},
		},
	})
}

func newTestDispatcher(t *testing.T, provider llms.Provider, maxConcurrent int, onDelta usage.DeltaFunc) *Dispatcher {
	t.Helper()
	registry := llms.NewRegistry()
	require.NoError(t, registry.Set("openai/fake-model", provider))
	return New(testResolver(maxConcurrent), registry, usage.NewMeter(onDelta))
}

func TestDispatchRecordsUsageAndCost(t *testing.T) {
	provider := &fakeProvider{result: &llms.Result{
		Text:             "answer",
		PromptTokens:     1000,
		CompletionTokens: 500,
		NativeTokens:     1500,
	}}

	var deltas []usage.Delta
	dispatcher := newTestDispatcher(t, provider, 5, func(missionID string, delta usage.Delta, totals usage.Totals) {
		deltas = append(deltas, delta)
	})

	result, record, err := dispatcher.Dispatch(context.Background(), Call{
		UserID:    "u1",
		MissionID: "m1",
		Tier:      config.TierFast,
		Messages:  []llms.Message{{Role: llms.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)

	assert.Equal(t, "fake-model", record.ModelName)
	assert.Equal(t, 1500, record.NativeTokens)
	// 1000/1M * $1 + 500/1M * $2
	assert.InDelta(t, 0.002, record.Cost, 1e-9)

	require.Len(t, deltas, 1)
	assert.Equal(t, 1500, deltas[0].NativeTokens)
}

func TestDispatchEstimatesNativeTokensWhenMissing(t *testing.T) {
	provider := &fakeProvider{result: &llms.Result{
		Text:             "answer",
		PromptTokens:     40,
		CompletionTokens: 10,
	}}
	dispatcher := newTestDispatcher(t, provider, 5, nil)

	_, record, err := dispatcher.Dispatch(context.Background(), Call{
		UserID:    "u1",
		MissionID: "m1",
		Tier:      config.TierFast,
		Messages:  []llms.Message{{Role: llms.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, record.NativeTokens)
}

func TestDispatchUnknownTier(t *testing.T) {
	dispatcher := newTestDispatcher(t, &fakeProvider{result: &llms.Result{}}, 5, nil)

	_, _, err := dispatcher.Dispatch(context.Background(), Call{
		UserID: "u1",
		Tier:   config.Tier("nonexistent"),
	})
	require.Error(t, err)
	assert.Equal(t, qerrors.CategoryConfiguration, qerrors.CategoryOf(err))
}

func TestDispatchPropagatesProviderError(t *testing.T) {
	providerErr := qerrors.New(qerrors.CategoryProviderQuota, "llms", "openai", "rate limit exceeded", errors.New("429"))
	provider := &fakeProvider{err: providerErr}
	dispatcher := newTestDispatcher(t, provider, 5, nil)

	_, _, err := dispatcher.Dispatch(context.Background(), Call{
		UserID: "u1",
		Tier:   config.TierFast,
	})
	require.Error(t, err)
	assert.Equal(t, qerrors.CategoryProviderQuota, qerrors.CategoryOf(err))
	assert.True(t, qerrors.IsRetryable(err))
}

func TestDispatchLimitsConcurrencyPerUser(t *testing.T) {
	provider := &fakeProvider{
		result: &llms.Result{Text: "ok"},
		delay:  30 * time.Millisecond,
	}
	dispatcher := newTestDispatcher(t, provider, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := dispatcher.Dispatch(context.Background(), Call{
				UserID:    "u1",
				MissionID: "m1",
				Tier:      config.TierFast,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, provider.maxInFlight.Load(), int32(2))
	assert.Equal(t, 6, provider.calls)
}

func TestDispatchCancelledWhileWaiting(t *testing.T) {
	provider := &fakeProvider{
		result: &llms.Result{Text: "ok"},
		delay:  200 * time.Millisecond,
	}
	dispatcher := newTestDispatcher(t, provider, 1, nil)

	go func() {
		dispatcher.Dispatch(context.Background(), Call{UserID: "u1", Tier: config.TierFast})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := dispatcher.Dispatch(ctx, Call{UserID: "u1", Tier: config.TierFast})
	require.Error(t, err)
	assert.Equal(t, qerrors.CategoryCancelled, qerrors.CategoryOf(err))
}
