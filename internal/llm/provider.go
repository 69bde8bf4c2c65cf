// Package llm implements the provider abstraction: a uniform
// generate(prompt, format, config) interface over two concrete
// implementations, an HTTP chat-completions provider and a subprocess-CLI
// provider, plus the structured-output descriptor both speak.
package llm

import (
	"context"
	"time"
)

// TokenUsage is the {prompt, completion, total} accounting triple. All
// three default to zero when a backend does not report them, which is
// always the case for the CLI provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the LLM response: text, model name, usage, raw provider
// payload, and optionally the decoded structured output. Immutable once
// constructed; callers that need to mutate Parsed should copy it first.
type Response struct {
	Text              string         `json:"text"`
	Model             string         `json:"model"`
	Usage             TokenUsage     `json:"usage"`
	Raw               any            `json:"raw,omitempty"`
	Parsed            map[string]any `json:"parsed,omitempty"`
	ValidationDetails map[string]any `json:"validation_details,omitempty"`
}

// JSONSchemaFormat is the structured-output descriptor: {"type":
// "json_schema", "json_schema": {name, description, schema, strict}}.
type JSONSchemaFormat struct {
	Type       string         `json:"type"`
	JSONSchema JSONSchemaSpec `json:"json_schema"`
}

// JSONSchemaSpec is the inner envelope of a JSONSchemaFormat.
type JSONSchemaSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Strict      bool           `json:"strict"`
	Schema      map[string]any `json:"schema"`
}

// NewJSONSchemaFormat wraps a JSON Schema document in the provider's
// strict structured-output envelope.
func NewJSONSchemaFormat(name, description string, schema map[string]any) *JSONSchemaFormat {
	return &JSONSchemaFormat{
		Type: "json_schema",
		JSONSchema: JSONSchemaSpec{
			Name:        name,
			Description: description,
			Strict:      true,
			Schema:      schema,
		},
	}
}

// GenerateConfig carries per-call overrides. Format embedded here is used
// only when the explicit format argument to Generate is nil; an explicit
// argument always wins.
type GenerateConfig struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
	Stream      bool
	Format      *JSONSchemaFormat
	Timeout     time.Duration
}

// Provider is the uniform interface both LLM backends implement. The
// aligner and the worker talk only to this interface; provider-specific
// auth/quota error kinds are returned through the shared internal/errs
// taxonomy so callers never need a type switch on which concrete provider
// produced them.
type Provider interface {
	ModelName() string
	SupportsStructuredOutput() bool
	Generate(ctx context.Context, prompt string, format *JSONSchemaFormat, config GenerateConfig) (*Response, error)
}

// AuthProber is implemented by providers that can run a cheap background
// probe to detect auth/quota health without doing real work. Only the CLI
// provider implements this today; the HTTP provider's health is implicit
// in each call's own error, so the worker skips the probe step for
// providers that don't implement it.
type AuthProber interface {
	CheckAuthentication(ctx context.Context) error
}
