// Package llms holds the LLM provider implementations behind a narrow
// Provider interface. Providers speak raw HTTP through the shared
// retrying client; only Gemini uses the vendor SDK.
package llms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Role labels a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls carries the assistant's tool invocations; ToolCallID
	// links a tool-role message back to the call it answers.
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider-neutral tool invocation.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// StructuredOutputConfig requests schema-constrained JSON output.
type StructuredOutputConfig struct {
	Name   string                 `json:"name,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// Options shape one generation call.
type Options struct {
	Temperature *float64
	MaxTokens   int
	Tools       []ToolDefinition
	Structured  *StructuredOutputConfig
}

// Result is a completed generation.
type Result struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string

	PromptTokens     int
	CompletionTokens int

	// NativeTokens is the provider's own total when reported; zero means
	// the caller should estimate.
	NativeTokens int
}

// Provider is the narrow surface the dispatcher calls.
type Provider interface {
	Generate(ctx context.Context, messages []Message, opts Options) (*Result, error)
	GetModelName() string
	GetProviderName() string
	Close() error
}

// SchemaFor derives a JSON schema map from a Go struct type, suitable for
// provider structured-output requests.
func SchemaFor(v interface{}) (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// ParseStructured decodes a structured-output response into target.
func ParseStructured(text string, target interface{}) error {
	if err := json.Unmarshal([]byte(text), target); err != nil {
		return fmt.Errorf("failed to parse structured output: %w", err)
	}
	return nil
}
