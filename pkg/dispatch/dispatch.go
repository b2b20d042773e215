// Package dispatch routes tier-addressed LLM calls to providers, applies
// per-user concurrency limits and turns every completed call into a usage
// record.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

// Call describes one dispatched generation.
type Call struct {
	UserID    string
	MissionID string
	Tier      config.Tier
	Messages  []llms.Message
	Options   llms.Options
}

// Dispatcher resolves the tier binding, enforces the per-user request
// limit and records usage for every call.
type Dispatcher struct {
	resolver  *config.Resolver
	providers *llms.Registry
	meter     *usage.Meter
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*userLimiter

	encoding *tiktoken.Tiktoken
}

type userLimiter struct {
	sem  *semaphore.Weighted
	size int64
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New builds a dispatcher. meter may be nil when usage tracking is off.
func New(resolver *config.Resolver, providers *llms.Registry, meter *usage.Meter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:  resolver,
		providers: providers,
		meter:     meter,
		logger:    slog.Default(),
		limiters:  make(map[string]*userLimiter),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Token estimation fallback for providers that do not report a native
	// total. A missing encoding degrades to a bytes/4 heuristic.
	if encoding, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		d.encoding = encoding
	} else {
		d.logger.Warn("Token encoding unavailable, falling back to byte estimate", "error", err)
	}
	return d
}

// Dispatch issues the call and returns the provider result plus the usage
// record already folded into the meter.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*llms.Result, usage.Record, error) {
	tierCfg, err := d.resolver.TierConfig(call.UserID, call.Tier)
	if err != nil {
		return nil, usage.Record{}, qerrors.New(qerrors.CategoryConfiguration,
			"dispatch", "resolve_tier", fmt.Sprintf("no binding for tier %s", call.Tier), err)
	}

	provider, err := d.providers.GetOrCreate(providerKey(tierCfg), tierCfg)
	if err != nil {
		return nil, usage.Record{}, err
	}

	limiter := d.limiterFor(call.UserID)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return nil, usage.Record{}, qerrors.New(qerrors.CategoryCancelled,
			"dispatch", "acquire", "cancelled while waiting for a request slot", err)
	}
	defer limiter.Release(1)

	tracer := otel.Tracer("quill.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.call")
	span.SetAttributes(
		attribute.String("tier", string(call.Tier)),
		attribute.String("model", tierCfg.Model),
	)
	defer span.End()

	start := time.Now()
	result, err := provider.Generate(ctx, call.Messages, call.Options)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("LLM call failed",
			"tier", call.Tier,
			"model", tierCfg.Model,
			"category", qerrors.CategoryOf(err),
			"error", err)
		return nil, usage.Record{}, err
	}

	record := d.buildRecord(tierCfg, call.Messages, result, duration)
	if d.meter != nil && call.MissionID != "" {
		d.meter.AddModelUsage(call.MissionID, record)
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, tierCfg.Model, duration, result.PromptTokens, result.CompletionTokens, nil)
	}

	return result, record, nil
}

// limiterFor returns the user's semaphore, rebuilding it when the
// resolved concurrency limit changes. In-flight holders of the old
// semaphore finish under the old limit.
func (d *Dispatcher) limiterFor(userID string) *semaphore.Weighted {
	size := int64(d.resolver.ResearchParams(userID, nil).MaxConcurrentRequests)
	if size < 1 {
		size = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[userID]
	if !ok || limiter.size != size {
		limiter = &userLimiter{sem: semaphore.NewWeighted(size), size: size}
		d.limiters[userID] = limiter
	}
	return limiter.sem
}

func (d *Dispatcher) buildRecord(tierCfg *config.TierConfig, messages []llms.Message,
	result *llms.Result, duration time.Duration) usage.Record {

	record := usage.Record{
		Provider:         string(tierCfg.Provider),
		ModelName:        tierCfg.Model,
		DurationSec:      duration.Seconds(),
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		NativeTokens:     result.NativeTokens,
	}

	if record.NativeTokens == 0 {
		record.NativeTokens = d.estimateTokens(messages, result)
	}
	if pricing, ok := d.resolver.Pricing(tierCfg.Model); ok {
		record.Cost = usage.Cost(record.PromptTokens, record.CompletionTokens,
			pricing.InputPerMTok, pricing.OutputPerMTok)
	}
	return record
}

func (d *Dispatcher) estimateTokens(messages []llms.Message, result *llms.Result) int {
	if result.PromptTokens > 0 || result.CompletionTokens > 0 {
		return result.PromptTokens + result.CompletionTokens
	}

	var text string
	for _, msg := range messages {
		text += msg.Content
	}
	text += result.Text

	if d.encoding != nil {
		return len(d.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

func providerKey(cfg *config.TierConfig) string {
	return fmt.Sprintf("%s/%s", cfg.Provider, cfg.Model)
}
