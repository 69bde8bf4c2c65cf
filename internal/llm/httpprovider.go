package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

// HTTPProvider talks to a chat-completions-style HTTP API via
// github.com/openai/openai-go; the structured-output descriptor maps
// directly onto the response_format/json_schema request field.
type HTTPProvider struct {
	client    openai.Client
	modelName string
}

// NewHTTPProvider constructs an HTTPProvider. baseURL may be empty to use
// the default OpenAI-compatible endpoint.
func NewHTTPProvider(apiKey, baseURL, modelName string) *HTTPProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &HTTPProvider{
		client:    openai.NewClient(opts...),
		modelName: modelName,
	}
}

func (p *HTTPProvider) ModelName() string { return p.modelName }

func (p *HTTPProvider) SupportsStructuredOutput() bool { return true }

// Generate sends prompt as a single user message. format, if supplied,
// replaces any "please answer in JSON" framing: no system message is ever
// attached to the request, so the structured-output directive is the only
// formatting instruction the model sees.
func (p *HTTPProvider) Generate(ctx context.Context, prompt string, format *JSONSchemaFormat, config GenerateConfig) (*Response, error) {
	if format == nil {
		format = config.Format
	}

	params := openai.ChatCompletionNewParams{
		Model: p.modelName,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if config.Temperature != 0 {
		params.Temperature = openai.Float(config.Temperature)
	}
	if config.MaxTokens != 0 {
		params.MaxTokens = openai.Int(int64(config.MaxTokens))
	}
	if len(config.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: config.Stop}
	}
	if format != nil {
		schemaJSON, err := json.Marshal(format.JSONSchema.Schema)
		if err != nil {
			return nil, errs.NewProviderError("encoding structured-output schema", err)
		}
		var rawSchema map[string]any
		if err := json.Unmarshal(schemaJSON, &rawSchema); err != nil {
			return nil, errs.NewProviderError("decoding structured-output schema", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        format.JSONSchema.Name,
					Description: openai.String(format.JSONSchema.Description),
					Schema:      rawSchema,
					Strict:      openai.Bool(format.JSONSchema.Strict),
				},
			},
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapHTTPError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, errs.NewProviderError("error generating completion: empty choices", nil)
	}

	text := completion.Choices[0].Message.Content
	resp := &Response{
		Text:  text,
		Model: completion.Model,
		Usage: TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		Raw: completion,
	}

	if format != nil {
		cleaned := StripMarkdownFence(text)
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
			resp.Text = "Invalid JSON response"
			resp.Parsed = nil
			return resp, nil
		}
		resp.Parsed = parsed
	}
	return resp, nil
}

// wrapHTTPError translates any network or API failure into a single
// provider error carrying a human message, extracted in precedence order:
// (i) metadata.raw.error.message, (ii) top-level message, (iii)
// error.message, (iv) stringification. Auth and quota lockouts are a
// CLI-provider concern; an HTTP backend's 401/429 is terminal for the job
// like any other API error.
func wrapHTTPError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return errs.NewProviderError(fmt.Sprintf("error generating completion: %s", extractErrorMessage(apiErr)), err)
	}
	return errs.NewProviderError(fmt.Sprintf("error generating completion: %s", err.Error()), err)
}

func extractErrorMessage(apiErr *openai.Error) string {
	var body map[string]any
	if json.Unmarshal([]byte(apiErr.RawJSON()), &body) == nil {
		if meta, ok := body["metadata"].(map[string]any); ok {
			if raw, ok := meta["raw"].(map[string]any); ok {
				if e, ok := raw["error"].(map[string]any); ok {
					if m, ok := e["message"].(string); ok && m != "" {
						return m
					}
				}
			}
		}
		if m, ok := body["message"].(string); ok && m != "" {
			return m
		}
		if e, ok := body["error"].(map[string]any); ok {
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	return apiErr.Error()
}
