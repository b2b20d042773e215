package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitMetrics wires the OpenTelemetry meter to a Prometheus exporter and
// builds the instrument set. Disabled metrics produce a nil-safe recorder.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("quill")

	missionDuration, err := meter.Float64Histogram(
		"quill_mission_duration_seconds",
		metric.WithDescription("Mission run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission duration histogram: %w", err)
	}

	missionsTotal, err := meter.Int64Counter(
		"quill_missions_total",
		metric.WithDescription("Missions reaching a terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create missions counter: %w", err)
	}

	agentDuration, err := meter.Float64Histogram(
		"quill_agent_call_duration_seconds",
		metric.WithDescription("Agent call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}

	agentCalls, err := meter.Int64Counter(
		"quill_agent_calls_total",
		metric.WithDescription("Total agent calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent calls counter: %w", err)
	}

	agentErrors, err := meter.Int64Counter(
		"quill_agent_errors_total",
		metric.WithDescription("Total agent errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"quill_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"quill_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"quill_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"quill_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"quill_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"quill_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"quill_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	retrievalDuration, err := meter.Float64Histogram(
		"quill_retrieval_duration_seconds",
		metric.WithDescription("Retrieval pipeline duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	retrievalResults, err := meter.Int64Counter(
		"quill_retrieval_results_total",
		metric.WithDescription("Total chunks returned by retrieval"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval results counter: %w", err)
	}

	return &PrometheusMetrics{
		missionDuration:   missionDuration,
		missionsTotal:     missionsTotal,
		agentDuration:     agentDuration,
		agentCallsTotal:   agentCalls,
		agentErrorsTotal:  agentErrors,
		toolDuration:      toolDuration,
		toolCallsTotal:    toolCalls,
		toolErrorsTotal:   toolErrors,
		llmDuration:       llmDuration,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrorsTotal:    llmErrors,
		retrievalDuration: retrievalDuration,
		retrievalResults:  retrievalResults,
	}, nil
}
