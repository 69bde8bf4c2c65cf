// Package aligner implements the HSDS alignment retry loop: prompt,
// generate, parse, validate, decide, retry or emit.
package aligner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/validator"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

// refusalPhrases are checked case-insensitively anywhere in the response
// text.
var refusalPhrases = []string{
	"I'm sorry, I cannot",
	"I apologize, but I cannot",
	"I cannot assist with",
	"I am unable to",
	"I must decline",
}

// fieldRelationship annotates a missing field name with why it matters, so
// retry feedback tells the model not just "missing X" but the reason X is
// required.
type fieldRelationship struct {
	Parent      string
	Target      string // empty means no specific target entity
	Description string
}

var fieldRelationships = map[string]fieldRelationship{
	"services": {
		Parent:      "organization",
		Target:      "service",
		Description: "Lists all services provided by this organization. Required to show what services this organization offers.",
	},
	"location": {
		Parent:      "top_level",
		Description: "Contains physical locations where services are provided. Required for geographic search and accessibility.",
	},
	"addresses": {
		Parent:      "location",
		Description: "Physical address information for this location. Required for mapping and directions.",
	},
}

// fieldDescriptions supplements fieldRelationships for fields that have an
// explanation but no parent/target relationship worth stating.
var fieldDescriptions = map[string]string{
	"organization": "A list containing at least one organization object",
	"service":      "A list containing at least one service object",
	"location":     "A list containing at least one location object",
	"name":         "The name of this entity",
	"description":  "A description of this entity",
	"addresses":    "The physical or mailing address information",
}

// Config parameterises the retry loop and the generate call each attempt
// makes.
type Config struct {
	MinConfidence  float64
	RetryThreshold float64
	MaxRetries     int
	Temperature    float64
	MaxTokens      int
}

// DefaultConfig returns the tuned defaults: accept at 0.82 confidence,
// surface feedback below 0.65, five attempts.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.82, RetryThreshold: 0.65, MaxRetries: 5, Temperature: 0.7, MaxTokens: 64768}
}

// Attempt records one iteration of the retry loop.
type Attempt struct {
	Index           int
	Prompt          string
	RawResponse     string
	CleanedResponse string
	IsValid         bool
	Feedback        string
	Score           float64
}

// Result is the success emission of Align: the aligned HSDS payload, its
// fused confidence score, and the validation details that produced it.
type Result struct {
	HSDSData          map[string]any
	ConfidenceScore   float64
	ValidationDetails *validator.Result
}

// Aligner runs the alignment retry loop. One Aligner instance is safe for
// concurrent use by multiple goroutines processing different jobs: the
// attempt list is per-call state returned by Align, not shared.
type Aligner struct {
	provider     llm.Provider
	validator    *validator.Validator
	systemPrompt string
	cfg          Config
}

// New constructs an Aligner. systemPrompt is the pre-loaded system prompt
// template; the caller owns disk loading and caching via LoadSystemPrompt
// and passes the result here.
func New(provider llm.Provider, judge *validator.Validator, systemPrompt string, cfg Config) *Aligner {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 64768
	}
	return &Aligner{provider: provider, validator: judge, systemPrompt: systemPrompt, cfg: cfg}
}

// Align runs the full retry loop against rawInput, returning the success
// emission or a *errs.Error (KindValidation) when attempts are exhausted.
func (a *Aligner) Align(ctx context.Context, rawInput string, format *llm.JSONSchemaFormat, knownFields map[string][]string) (*Result, []Attempt, error) {
	var attempts []Attempt
	var feedback string

	for i := 0; i < a.cfg.MaxRetries; i++ {
		attemptsRemaining := a.cfg.MaxRetries - i - 1
		last := attemptsRemaining == 0

		prompt := a.prepareInput(rawInput, feedback, attempts)

		resp, err := a.provider.Generate(ctx, prompt, format, llm.GenerateConfig{
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
			Format:      format,
		})
		if err != nil {
			if e, ok := errs.As(err); ok && e.Retryable() {
				// Auth/quota errors are not retried within the loop; they
				// propagate immediately so the worker gate can defer every
				// job on this host, not just this one.
				return nil, attempts, err
			}
			if last {
				return nil, attempts, errs.NewValidationError(fmt.Sprintf("error processing response: %v", err), err)
			}
			feedback = fmt.Sprintf("Error processing response: %v", err)
			attempts = append(attempts, Attempt{Index: i, Prompt: prompt, Feedback: feedback})
			continue
		}

		if refused(resp.Text) {
			if last {
				return nil, attempts, errs.NewValidationError(fmt.Sprintf("model refused to generate after %d attempts: %s", a.cfg.MaxRetries, resp.Text), nil)
			}
			feedback = "Model refused to generate. Adjusting prompt..."
			attempts = append(attempts, Attempt{Index: i, Prompt: prompt, RawResponse: resp.Text, Feedback: feedback})
			continue
		}

		payload, cleaned, parseErr := parseResponse(resp)
		if parseErr != nil {
			if last {
				return nil, attempts, errs.NewValidationError(parseErr.Error(), parseErr)
			}
			feedback = parseErr.Error()
			attempts = append(attempts, Attempt{Index: i, Prompt: prompt, RawResponse: resp.Text, Feedback: feedback})
			continue
		}

		validation, err := a.validator.Validate(ctx, rawInput, payload, knownFields)
		if err != nil {
			if last {
				return nil, attempts, errs.NewValidationError(fmt.Sprintf("judge validation failed: %v", err), err)
			}
			feedback = fmt.Sprintf("Error processing response: %v", err)
			attempts = append(attempts, Attempt{Index: i, Prompt: prompt, RawResponse: resp.Text, CleanedResponse: cleaned, Feedback: feedback})
			continue
		}

		isValid := validation.Confidence >= a.cfg.MinConfidence
		attempts = append(attempts, Attempt{
			Index:           i,
			Prompt:          prompt,
			RawResponse:     resp.Text,
			CleanedResponse: cleaned,
			IsValid:         isValid,
			Feedback:        validation.Feedback,
			Score:           validation.Confidence,
		})

		if isValid {
			return &Result{HSDSData: payload, ConfidenceScore: validation.Confidence, ValidationDetails: validation}, attempts, nil
		}

		if last {
			return nil, attempts, errs.NewValidationError(
				fmt.Sprintf("failed to achieve minimum confidence score of %v after %d attempts; final confidence: %v", a.cfg.MinConfidence, a.cfg.MaxRetries, validation.Confidence),
				nil,
			)
		}
		// Corrective feedback is only worth a longer prompt when the score
		// landed well short; a near-miss retries bare.
		feedback = ""
		if validation.Confidence < a.cfg.RetryThreshold {
			feedback = buildFeedback(validation)
		}
	}

	return nil, attempts, errs.NewValidationError(fmt.Sprintf("maximum retries (%d) exceeded without valid result", a.cfg.MaxRetries), nil)
}

// prepareInput composes the system prompt and input data, annotating any
// feedback block with the field-relationships map.
func (a *Aligner) prepareInput(rawInput, feedback string, attempts []Attempt) string {
	prompt := a.systemPrompt + "\n\nInput Data:\n" + rawInput
	if feedback == "" {
		return prompt
	}

	prompt += "\n\nPrevious attempt had the following issues:"
	prevResponse := "No previous output"
	if len(attempts) > 0 {
		prevResponse = attempts[len(attempts)-1].RawResponse
	}
	prompt += fmt.Sprintf("\nPrevious Output: %s", prevResponse)

	for _, issue := range strings.Split(feedback, "\n") {
		field := extractQuotedField(issue)
		switch {
		case field != "" && fieldRelationships[field].Description != "":
			rel := fieldRelationships[field]
			prompt += fmt.Sprintf("\n- %s", issue)
			prompt += fmt.Sprintf("\n  • %s", rel.Description)
			if rel.Target != "" {
				prompt += fmt.Sprintf("\n  • Required to link %s with %s", rel.Parent, rel.Target)
			}
		case field != "" && fieldDescriptions[field] != "":
			prompt += fmt.Sprintf("\n- %s (%s)", issue, fieldDescriptions[field])
		default:
			prompt += fmt.Sprintf("\n- %s", issue)
		}
	}
	return prompt
}

// extractQuotedField pulls the field name out of a feedback line formatted
// like `missing field 'organization.description'`.
func extractQuotedField(issue string) string {
	parts := strings.Split(issue, "'")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func refused(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// parseResponse prefers resp.Parsed (the provider already decoded
// structured output); otherwise falls back to stripping a markdown fence
// and parsing the text as JSON.
func parseResponse(resp *llm.Response) (map[string]any, string, error) {
	if resp.Parsed != nil {
		return resp.Parsed, resp.Text, nil
	}

	cleaned := llm.StripMarkdownFence(resp.Text)
	var payload map[string]any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, cleaned, fmt.Errorf("invalid JSON response: %w", err)
	}
	return payload, cleaned, nil
}

// buildFeedback combines the judge's feedback with hallucination and
// mismatched-field call-outs for the next attempt's prompt.
func buildFeedback(v *validator.Result) string {
	var parts []string
	if v.Feedback != "" {
		parts = append(parts, v.Feedback)
	}
	if v.HallucinationDetected {
		parts = append(parts, "Remove any hallucinated data not present in input")
	}
	if len(v.MismatchedFields) > 0 {
		parts = append(parts, fmt.Sprintf("Fix mismatched fields: %s", strings.Join(v.MismatchedFields, ", ")))
	}
	return strings.Join(parts, "\n")
}
