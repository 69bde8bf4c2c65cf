// Package validator implements the alignment validator: an LLM-as-judge
// check of an HSDS payload against the raw input it was derived from,
// fused with the deterministic field validator.
package validator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/fieldvalidator"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

// Result is the fused validation result handed back to the aligner.
type Result struct {
	Confidence            float64
	HallucinationDetected bool
	MissingRequiredFields []string
	Feedback              string
	MismatchedFields      []string
	SuggestedCorrections  map[string]any
}

// judgeSchema is the fixed JSON schema the judge LLM is asked to respond
// with, in strict mode.
var judgeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"confidence":              map[string]any{"type": "number"},
		"feedback":                map[string]any{"type": "string"},
		"hallucination_detected":  map[string]any{"type": "boolean"},
		"mismatched_fields":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"suggested_corrections":   map[string]any{"type": "object"},
		"missing_required_fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"confidence", "hallucination_detected", "missing_required_fields"},
	"additionalProperties": false,
}

var judgeFormat = llm.NewJSONSchemaFormat("alignment_validation", "Judge whether an HSDS payload is faithful to its raw input", judgeSchema)

const promptTemplate = `You are validating an HSDS-conformant record against the raw input it was derived from.

Raw input:
{{RAW_INPUT}}

Candidate HSDS payload:
{{PAYLOAD}}

Judge whether the payload is faithful to the raw input: confidence in [0,1],
whether any hallucinated data was introduced, and which required fields (if
any) are still missing.`

// Validator judges an HSDS payload using a provider, then fuses the result
// with the deterministic field validator.
type Validator struct {
	judge llm.Provider
}

// New constructs a Validator backed by judge, which may be the same
// provider instance the aligner uses, or a distinct (e.g. cheaper) model.
func New(judge llm.Provider) *Validator {
	return &Validator{judge: judge}
}

// Validate judges payload against rawInput and fuses the judge's response
// with the field validator's deterministic score. knownFields is passed
// through to the field validator unchanged.
func (v *Validator) Validate(ctx context.Context, rawInput string, payload map[string]any, knownFields map[string][]string) (*Result, error) {
	fieldResult := fieldvalidator.Validate(payload, knownFields)

	prompt, err := preparePrompt(rawInput, payload)
	if err != nil {
		return nil, err
	}

	resp, err := v.judge.Generate(ctx, prompt, judgeFormat, llm.GenerateConfig{
		Temperature: 0.7,
		MaxTokens:   4000,
	})
	if err != nil {
		return nil, err
	}
	if resp.Parsed == nil {
		return nil, errs.NewValidationError("judge response was not valid structured output", nil)
	}

	judge, err := decodeJudgeResponse(resp.Parsed)
	if err != nil {
		return nil, err
	}

	return fuse(judge, fieldResult), nil
}

// preparePrompt composes the judge prompt by literal placeholder
// replacement; braces elsewhere in the template are opaque text, never
// interpolation sites.
func preparePrompt(rawInput string, payload map[string]any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.NewValidationError("encoding payload for judge prompt", err)
	}
	prompt := promptTemplate
	prompt = strings.ReplaceAll(prompt, "{{RAW_INPUT}}", rawInput)
	prompt = strings.ReplaceAll(prompt, "{{PAYLOAD}}", string(payloadJSON))
	return prompt, nil
}

type judgeResponse struct {
	Confidence            float64        `json:"confidence"`
	Feedback              string         `json:"feedback"`
	HallucinationDetected bool           `json:"hallucination_detected"`
	MismatchedFields      []string       `json:"mismatched_fields"`
	SuggestedCorrections  map[string]any `json:"suggested_corrections"`
	MissingRequiredFields []string       `json:"missing_required_fields"`
}

func decodeJudgeResponse(parsed map[string]any) (*judgeResponse, error) {
	data, err := json.Marshal(parsed)
	if err != nil {
		return nil, errs.NewValidationError("re-encoding judge response", err)
	}
	var jr judgeResponse
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, errs.NewValidationError("judge response did not match the expected schema", err)
	}
	return &jr, nil
}

// fuse combines the judge's response with the field validator's
// deterministic score: confidence = min(judge, field);
// missing_required_fields comes from the field validator (authoritative on
// presence); feedback is the judge's feedback joined with the field
// validator's, separated by a blank line.
func fuse(judge *judgeResponse, field fieldvalidator.Result) *Result {
	confidence := judge.Confidence
	if field.Confidence < confidence {
		confidence = field.Confidence
	}

	feedback := judge.Feedback
	if field.Feedback != "" {
		if feedback != "" {
			feedback += "\n\n" + field.Feedback
		} else {
			feedback = field.Feedback
		}
	}

	return &Result{
		Confidence:            confidence,
		HallucinationDetected: judge.HallucinationDetected,
		MissingRequiredFields: field.MissingRequiredFields,
		Feedback:              feedback,
		MismatchedFields:      judge.MismatchedFields,
		SuggestedCorrections:  judge.SuggestedCorrections,
	}
}
