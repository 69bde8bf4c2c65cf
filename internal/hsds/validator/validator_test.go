package validator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

type scriptedJudge struct {
	response   *llm.Response
	err        error
	lastPrompt string
}

func (j *scriptedJudge) ModelName() string              { return "judge-model" }
func (j *scriptedJudge) SupportsStructuredOutput() bool { return true }
func (j *scriptedJudge) Generate(_ context.Context, prompt string, _ *llm.JSONSchemaFormat, _ llm.GenerateConfig) (*llm.Response, error) {
	j.lastPrompt = prompt
	if j.err != nil {
		return nil, j.err
	}
	return j.response, nil
}

func judgeResp(t *testing.T, payload map[string]any) *llm.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &llm.Response{Text: string(data), Model: "judge-model", Parsed: payload}
}

func completePayload() map[string]any {
	phone := map[string]any{"number": "555-0100", "type": "voice", "languages": []any{"en"}}
	schedule := map[string]any{"freq": "WEEKLY", "wkst": "MO"}
	return map[string]any{
		"organization": []any{map[string]any{
			"name": "Food Bank", "description": "d", "services": []any{"s1"},
			"phones":                   []any{phone},
			"organization_identifiers": []any{map[string]any{"identifier": "ein-12-3456789"}},
			"contacts":                 []any{map[string]any{"name": "Jordan Doe"}},
			"metadata":                 map[string]any{"last_action_date": "2024-01-01"},
		}},
		"service": []any{map[string]any{
			"name": "Distribution", "description": "weekly food distribution",
			"status": "active", "organization_id": "o1",
			"phones":    []any{phone},
			"schedules": []any{schedule},
		}},
		"location": []any{map[string]any{
			"name": "Main", "location_type": "physical",
			"addresses": []any{map[string]any{
				"address_1": "1 Main St", "city": "Springfield", "state_province": "IL",
				"postal_code": "62701", "country": "US", "address_type": "physical",
			}},
			"latitude": 1.0, "longitude": 2.0,
			"phones":        []any{phone},
			"accessibility": []any{map[string]any{"description": "wheelchair accessible"}},
			"contacts":      []any{map[string]any{"name": "Jordan Doe"}},
			"schedules":     []any{schedule},
			"languages":     []any{"en"},
			"metadata":      map[string]any{"last_action_date": "2024-01-01"},
		}},
	}
}

func TestValidateFusesJudgeAndFieldConfidenceByMinimum(t *testing.T) {
	judge := &scriptedJudge{response: judgeResp(t, map[string]any{
		"confidence":              0.95,
		"hallucination_detected":  false,
		"missing_required_fields": []string{},
	})}
	v := New(judge)

	result, err := v.Validate(context.Background(), "raw input", completePayload(), nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Confidence != 0.95 {
		t.Fatalf("Confidence = %v, want 0.95 (field validator should score a complete payload at 1.0, so judge's 0.95 is the min)", result.Confidence)
	}
	if result.HallucinationDetected {
		t.Fatal("HallucinationDetected = true, want false")
	}
}

func TestValidateFieldConfidenceCapsAHighJudgeConfidence(t *testing.T) {
	incomplete := completePayload()
	incomplete["organization"] = []any{map[string]any{"name": "Food Bank"}}

	judge := &scriptedJudge{response: judgeResp(t, map[string]any{
		"confidence":              0.99,
		"hallucination_detected":  false,
		"missing_required_fields": []string{},
	})}
	v := New(judge)

	result, err := v.Validate(context.Background(), "raw input", incomplete, nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Confidence >= 0.99 {
		t.Fatalf("Confidence = %v, want less than the judge's 0.99 since the field validator should penalize the incomplete payload", result.Confidence)
	}
	if len(result.MissingRequiredFields) == 0 {
		t.Fatal("expected MissingRequiredFields to be non-empty for an incomplete organization")
	}
}

func TestValidateFeedbackJoinsJudgeAndFieldFeedback(t *testing.T) {
	incomplete := completePayload()
	incomplete["organization"] = []any{map[string]any{"name": "Food Bank"}}

	judge := &scriptedJudge{response: judgeResp(t, map[string]any{
		"confidence":              0.5,
		"feedback":                "judge says something is off",
		"hallucination_detected":  false,
		"missing_required_fields": []string{},
	})}
	v := New(judge)

	result, err := v.Validate(context.Background(), "raw input", incomplete, nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.Contains(result.Feedback, "judge says something is off") {
		t.Fatalf("Feedback = %q, want it to contain the judge's feedback", result.Feedback)
	}
}

func TestValidatePropagatesProviderError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	judge := &scriptedJudge{err: wantErr}
	v := New(judge)

	_, err := v.Validate(context.Background(), "raw input", completePayload(), nil)
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestValidateRejectsUnstructuredJudgeResponse(t *testing.T) {
	judge := &scriptedJudge{response: &llm.Response{Text: "not json", Model: "judge-model"}}
	v := New(judge)

	_, err := v.Validate(context.Background(), "raw input", completePayload(), nil)
	if err == nil {
		t.Fatal("expected an error when the judge response carries no parsed structured output")
	}
}

func TestValidatePromptIncludesRawInputAndPayload(t *testing.T) {
	judge := &scriptedJudge{response: judgeResp(t, map[string]any{
		"confidence":              0.9,
		"hallucination_detected":  false,
		"missing_required_fields": []string{},
	})}
	v := New(judge)

	if _, err := v.Validate(context.Background(), "a very specific raw input marker", completePayload(), nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.Contains(judge.lastPrompt, "a very specific raw input marker") {
		t.Fatalf("prompt did not include the raw input:\n%s", judge.lastPrompt)
	}
	if !strings.Contains(judge.lastPrompt, "Food Bank") {
		t.Fatalf("prompt did not include the candidate payload:\n%s", judge.lastPrompt)
	}
}
