package llms

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/qerrors"
)

// GeminiProvider wraps the official genai SDK. Unlike the raw-HTTP
// providers, retry behavior is delegated to the SDK's transport.
type GeminiProvider struct {
	client *genai.Client
	config *config.TierConfig
}

// NewGeminiProvider builds a provider from a tier binding.
func NewGeminiProvider(cfg *config.TierConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "llms", "gemini",
			"API key is required for Gemini", nil)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "llms", "gemini",
			"failed to create Gemini client", err)
	}

	return &GeminiProvider{client: client, config: cfg}, nil
}

func (p *GeminiProvider) GetModelName() string    { return p.config.Model }
func (p *GeminiProvider) GetProviderName() string { return "gemini" }
func (p *GeminiProvider) Close() error            { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("quill.llm")
	ctx, span := tracer.Start(ctx, "llm.request",
		trace.WithAttributes(
			attribute.String("llm.model", p.config.Model),
			attribute.String("llm.provider", "gemini"),
		),
	)
	defer span.End()

	contents, genCfg := p.buildRequest(messages, opts)

	response, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, genCfg)
	duration := time.Since(startTime)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		defer func() {
			in, out := 0, 0
			if response != nil && response.UsageMetadata != nil {
				in = int(response.UsageMetadata.PromptTokenCount)
				out = int(response.UsageMetadata.CandidatesTokenCount)
			}
			metrics.RecordLLMCall(ctx, p.config.Model, duration, in, out, err)
		}()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyGenaiError(err)
	}

	if len(response.Candidates) == 0 {
		err = qerrors.New(qerrors.CategoryProviderNetwork, "llms", "gemini",
			"empty response from Gemini", nil)
		span.RecordError(err)
		return nil, err
	}

	candidate := response.Candidates[0]
	result := &Result{FinishReason: string(candidate.FinishReason)}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				result.Text += part.Text
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
	}

	if response.UsageMetadata != nil {
		result.PromptTokens = int(response.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(response.UsageMetadata.CandidatesTokenCount)
		result.NativeTokens = int(response.UsageMetadata.TotalTokenCount)
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", result.PromptTokens),
		attribute.Int("llm.tokens.output", result.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

func (p *GeminiProvider) buildRequest(messages []Message, opts Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var system string

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: system}},
		}
	}

	genCfg.Temperature = genai.Ptr(float32(temperatureOrDefault(opts.Temperature, p.config.Temperature)))
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(opts.MaxTokens)
	} else if p.config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(p.config.MaxTokens)
	}

	for _, t := range opts.Tools {
		genCfg.Tools = append(genCfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			}},
		})
	}

	if opts.Structured != nil {
		genCfg.ResponseMIMEType = "application/json"
		if opts.Structured.Schema != nil {
			genCfg.ResponseSchema = toGenaiSchema(opts.Structured.Schema)
		}
	}

	return contents, genCfg
}

// toGenaiSchema converts a plain JSON schema map into the SDK's typed schema.
func toGenaiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

// classifyGenaiError maps SDK errors onto the provider taxonomy using the
// embedded API error code when one is present.
func classifyGenaiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return qerrors.New(qerrors.CategoryProviderAuth, "llms", "gemini", "authentication failed", err)
		case apiErr.Code == 429:
			return qerrors.New(qerrors.CategoryProviderQuota, "llms", "gemini", "rate limit exceeded", err)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return qerrors.New(qerrors.CategoryValidation, "llms", "gemini", "request rejected", err)
		}
	}
	return qerrors.New(qerrors.CategoryProviderNetwork, "llms", "gemini", "request failed", err)
}
