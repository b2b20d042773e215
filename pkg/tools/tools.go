// Package tools is the agent capability suite: document search, web
// search, web fetch, file reading and arithmetic, behind a uniform
// schema-described interface and a registry that instruments every
// execution.
package tools

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/registry"
	"github.com/quillhq/quill/pkg/usage"
)

// ToolInfo describes a tool to the model: name, natural-language
// description and a JSON-shaped parameter list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolParameter is one named input in a tool's schema.
type ToolParameter struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Default     interface{}            `json:"default,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"`
}

// ToolResult is the outcome of one execution. Tools report recoverable
// failures through Success=false with a user-friendly Content rather
// than an error return, so the mission can continue.
type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Tool is one agent-invocable capability.
type Tool interface {
	GetInfo() ToolInfo
	GetName() string
	GetDescription() string
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

// Publisher is the feedback surface tools use for progress signals.
// *bus.Bus satisfies it.
type Publisher interface {
	PublishFeedback(missionID string, feedback bus.Feedback)
}

// nopPublisher discards feedback; used when no bus is wired.
type nopPublisher struct{}

func (nopPublisher) PublishFeedback(string, bus.Feedback) {}

type invocationKey struct{}

// Invocation identifies the mission, user and agent on whose behalf a
// tool runs, so feedback events land on the right stream and model
// calls made inside tools are metered and rate limited per user.
type Invocation struct {
	MissionID string
	UserID    string
	AgentName string
}

// WithInvocation attaches the calling mission/agent to the context.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts the calling mission/agent, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// Registry holds the tool set and instruments executions with a span
// and the tool metrics.
type Registry struct {
	*registry.BaseRegistry[Tool]
	meter *usage.Meter
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// SetMeter wires the usage meter. Executions carrying a mission
// invocation are then counted against that mission's tool-call total.
func (r *Registry) SetMeter(meter *usage.Meter) {
	r.meter = meter
}

// ExecuteTool runs a registered tool by name.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	tool, ok := r.Get(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("tool '%s' not found", name)
	}

	tracer := otel.Tracer("quill.tools")
	ctx, span := tracer.Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	start := time.Now()
	result, err := tool.Execute(ctx, args)

	if inv, ok := InvocationFrom(ctx); ok && r.meter != nil && inv.MissionID != "" {
		r.meter.AddToolCalls(inv.MissionID, 1)
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, name, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("tool.success", result.Success))

	return result, err
}

// Argument extraction helpers. Tool args arrive as decoded JSON, so
// numbers are float64.

func stringArg(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func boolArg(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func errorResult(name, message string, start time.Time) ToolResult {
	return ToolResult{
		Success:       false,
		Error:         message,
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}
}
