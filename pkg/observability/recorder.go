package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the recorder surface used by the dispatcher, the tool
// registry, the retrieval engine, and the controller.
type Metrics interface {
	RecordMissionRun(ctx context.Context, status string, duration time.Duration)
	RecordAgentCall(ctx context.Context, agentType string, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordRetrieval(ctx context.Context, duration time.Duration, resultCount int)
}

// PrometheusMetrics records to OpenTelemetry instruments backed by the
// Prometheus exporter. A zero value is a valid no-op recorder.
type PrometheusMetrics struct {
	missionDuration metric.Float64Histogram
	missionsTotal   metric.Int64Counter

	agentDuration    metric.Float64Histogram
	agentCallsTotal  metric.Int64Counter
	agentErrorsTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	retrievalDuration metric.Float64Histogram
	retrievalResults  metric.Int64Counter
}

func (m *PrometheusMetrics) RecordMissionRun(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.missionDuration == nil || m.missionsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.missionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.missionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *PrometheusMetrics) RecordAgentCall(ctx context.Context, agentType string, duration time.Duration, err error) {
	if m == nil || m.agentDuration == nil || m.agentCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent", agentType),
	}
	m.agentDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.agentCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.agentErrorsTotal != nil {
		m.agentErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil || m.llmInputTokens == nil || m.llmOutputTokens == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}
	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, duration time.Duration, resultCount int) {
	if m == nil || m.retrievalDuration == nil || m.retrievalResults == nil {
		return
	}

	m.retrievalDuration.Record(ctx, duration.Seconds())
	m.retrievalResults.Add(ctx, int64(resultCount))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
