package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/httpclient"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/qerrors"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the messages API over raw HTTP.
type AnthropicProvider struct {
	config     *config.TierConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicContent struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider builds a provider from a tier binding.
func NewAnthropicProvider(cfg *config.TierConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "llms", "anthropic",
			"API key is required for Anthropic", nil)
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string    { return p.config.Model }
func (p *AnthropicProvider) GetProviderName() string { return "anthropic" }
func (p *AnthropicProvider) Close() error            { return nil }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quill.llm")
	ctx, span := tracer.Start(ctx, "llm.request",
		trace.WithAttributes(
			attribute.String("llm.model", p.config.Model),
			attribute.String("llm.provider", "anthropic"),
		),
	)
	defer span.End()

	request := p.buildRequest(messages, opts)

	response, err := p.makeRequest(ctx, request)
	duration := time.Since(startTime)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		defer func() {
			in, out := 0, 0
			if response != nil {
				in, out = response.Usage.InputTokens, response.Usage.OutputTokens
			}
			metrics.RecordLLMCall(ctx, p.config.Model, duration, in, out, err)
		}()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyHTTPError("anthropic", err)
	}

	if response.Error != nil {
		err = qerrors.New(qerrors.CategoryProviderNetwork, "llms", "anthropic",
			fmt.Sprintf("Anthropic API error: %s", response.Error.Message), nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, response.Error.Message)
		return nil, err
	}

	result := &Result{
		FinishReason:     response.StopReason,
		PromptTokens:     response.Usage.InputTokens,
		CompletionTokens: response.Usage.OutputTokens,
		NativeTokens:     response.Usage.InputTokens + response.Usage.OutputTokens,
	}

	structured := opts.Structured != nil
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			// Structured output rides on a forced tool call; unwrap it
			// back into text so callers see plain JSON.
			if structured && block.Name == structuredToolName {
				raw, _ := json.Marshal(block.Input)
				result.Text = string(raw)
				continue
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", result.PromptTokens),
		attribute.Int("llm.tokens.output", result.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// structuredToolName is the synthetic tool used to force schema-shaped
// output from the messages API.
const structuredToolName = "emit_structured_response"

func (p *AnthropicProvider) buildRequest(messages []Message, opts Options) *anthropicRequest {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	req := &anthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   maxTokens,
		Temperature: temperatureOrDefault(opts.Temperature, p.config.Temperature),
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				blocks := make([]anthropicContent, 0, len(m.ToolCalls)+1)
				if m.Content != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Arguments,
					})
				}
				req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: blocks})
				continue
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: m.Content})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}

	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	if opts.Structured != nil && opts.Structured.Schema != nil {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        structuredToolName,
			Description: "Emit the response in the required structure.",
			InputSchema: opts.Structured.Schema,
		})
		req.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}
	}

	return req
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request *anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.config.BaseURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.RetryableError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	response := &anthropicResponse{}
	if err := json.Unmarshal(body, response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return response, nil
}
