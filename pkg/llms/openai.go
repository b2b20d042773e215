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

// OpenAIProvider speaks the chat completions API over raw HTTP.
type OpenAIProvider struct {
	config     *config.TierConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string                 `json:"name"`
	Schema map[string]interface{} `json:"schema"`
	Strict bool                   `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider builds a provider from a tier binding.
func NewOpenAIProvider(cfg *config.TierConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "llms", "openai",
			"API key is required for OpenAI", nil)
	}

	return &OpenAIProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) GetModelName() string    { return p.config.Model }
func (p *OpenAIProvider) GetProviderName() string { return "openai" }
func (p *OpenAIProvider) Close() error            { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quill.llm")
	ctx, span := tracer.Start(ctx, "llm.request",
		trace.WithAttributes(
			attribute.String("llm.model", p.config.Model),
			attribute.String("llm.provider", "openai"),
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
				in, out = response.Usage.PromptTokens, response.Usage.CompletionTokens
			}
			metrics.RecordLLMCall(ctx, p.config.Model, duration, in, out, err)
		}()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyHTTPError("openai", err)
	}

	if response.Error != nil {
		err = qerrors.New(qerrors.CategoryProviderNetwork, "llms", "openai",
			fmt.Sprintf("OpenAI API error: %s", response.Error.Message), nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, response.Error.Message)
		return nil, err
	}

	if len(response.Choices) == 0 {
		err = qerrors.New(qerrors.CategoryProviderNetwork, "llms", "openai",
			"no response choices returned", nil)
		span.RecordError(err)
		return nil, err
	}

	choice := response.Choices[0]
	result := &Result{
		Text:             choice.Message.Content,
		FinishReason:     choice.FinishReason,
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		NativeTokens:     response.Usage.TotalTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				span.RecordError(err)
				return nil, qerrors.New(qerrors.CategoryProviderNetwork, "llms", "openai",
					fmt.Sprintf("malformed tool call arguments for %s", tc.Function.Name), err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", result.PromptTokens),
		attribute.Int("llm.tokens.output", result.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options) *openAIRequest {
	req := &openAIRequest{
		Model:       p.config.Model,
		Temperature: temperatureOrDefault(opts.Temperature, p.config.Temperature),
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	for _, m := range messages {
		msg := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, tool := range opts.Tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if opts.Structured != nil {
		if opts.Structured.Schema != nil {
			name := opts.Structured.Name
			if name == "" {
				name = "response"
			}
			req.ResponseFormat = &openAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &openAIJSONSchema{
					Name:   name,
					Schema: opts.Structured.Schema,
					Strict: true,
				},
			}
		} else {
			req.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		}
	}

	return req
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request *openAIRequest) (*openAIResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

	response := &openAIResponse{}
	if err := json.Unmarshal(body, response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return response, nil
}

func temperatureOrDefault(override *float64, fallback *float64) float64 {
	if override != nil {
		return *override
	}
	if fallback != nil {
		return *fallback
	}
	return 0.7
}

// classifyHTTPError maps transport failures onto the provider error
// taxonomy using the response status code when one is available.
func classifyHTTPError(provider string, err error) error {
	status := httpclient.StatusCodeFromError(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return qerrors.New(qerrors.CategoryProviderAuth, "llms", provider, "authentication failed", err)
	case status == http.StatusTooManyRequests:
		return qerrors.New(qerrors.CategoryProviderQuota, "llms", provider, "rate limit exceeded", err)
	case status >= 400 && status < 500:
		return qerrors.New(qerrors.CategoryValidation, "llms", provider,
			fmt.Sprintf("request rejected with HTTP %d", status), err)
	default:
		return qerrors.New(qerrors.CategoryProviderNetwork, "llms", provider, "request failed", err)
	}
}
