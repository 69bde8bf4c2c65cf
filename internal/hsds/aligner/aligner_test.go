package aligner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/hsds/validator"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

// scriptedProvider returns one canned response per call, in order, cycling
// on the last entry if Generate is called more times than scripted.
type scriptedProvider struct {
	name      string
	responses []*llm.Response
	errs      []error
	calls     int
	prompts   []string
}

func (p *scriptedProvider) ModelName() string              { return p.name }
func (p *scriptedProvider) SupportsStructuredOutput() bool { return true }
func (p *scriptedProvider) Generate(_ context.Context, prompt string, _ *llm.JSONSchemaFormat, _ llm.GenerateConfig) (*llm.Response, error) {
	p.prompts = append(p.prompts, prompt)
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	if p.errs != nil {
		j := p.calls - 1
		if j < len(p.errs) && p.errs[j] != nil {
			return nil, p.errs[j]
		}
	}
	return p.responses[i], nil
}

func payloadResponse(t *testing.T, payload map[string]any) *llm.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &llm.Response{Text: string(data), Model: "test-model", Parsed: payload}
}

func judgeResponse(t *testing.T, confidence float64, hallucination bool) *llm.Response {
	t.Helper()
	payload := map[string]any{
		"confidence":              confidence,
		"hallucination_detected":  hallucination,
		"missing_required_fields": []string{},
	}
	return payloadResponse(t, payload)
}

func samplePayload() map[string]any {
	phone := map[string]any{"number": "555-0100", "type": "voice", "languages": []any{"en"}}
	schedule := map[string]any{"freq": "WEEKLY", "wkst": "MO"}
	return map[string]any{
		"organization": []any{map[string]any{
			"name": "Test Food Bank", "description": "desc", "services": []any{"svc-1"},
			"phones":                   []any{phone},
			"organization_identifiers": []any{map[string]any{"identifier": "ein-12-3456789"}},
			"contacts":                 []any{map[string]any{"name": "Jordan Doe"}},
			"metadata":                 map[string]any{"last_action_date": "2024-01-01"},
		}},
		"service": []any{map[string]any{
			"name": "Food Distribution", "description": "weekly food distribution",
			"status": "active", "organization_id": "org-1",
			"phones":    []any{phone},
			"schedules": []any{schedule},
		}},
		"location": []any{map[string]any{
			"name": "Main Site", "location_type": "physical",
			"addresses": []any{map[string]any{
				"address_1": "123 Main St", "city": "Springfield", "state_province": "IL",
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

func TestAlignCleanSuccessOnFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{payloadResponse(t, samplePayload())}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{judgeResponse(t, 0.9, false)}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	result, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("len(attempts) = %d, want 1", len(attempts))
	}
	if result.ConfidenceScore != 0.9 {
		t.Fatalf("ConfidenceScore = %v, want 0.9", result.ConfidenceScore)
	}
	if provider.calls != 1 || judge.calls != 1 {
		t.Fatalf("provider.calls=%d judge.calls=%d, want 1, 1", provider.calls, judge.calls)
	}
}

func TestAlignRetriesThenSucceeds(t *testing.T) {
	incomplete := samplePayload()
	org := incomplete["organization"].([]any)[0].(map[string]any)
	delete(org, "description")

	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{
		payloadResponse(t, incomplete),
		payloadResponse(t, samplePayload()),
	}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{
		judgeResponse(t, 0.75, false),
		judgeResponse(t, 0.9, false),
	}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	result, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if result.ConfidenceScore != 0.9 {
		t.Fatalf("ConfidenceScore = %v, want 0.9", result.ConfidenceScore)
	}
}

func TestAlignExhaustsRetries(t *testing.T) {
	cfg := Config{MinConfidence: 0.82, RetryThreshold: 0.65, MaxRetries: 3}
	payload := samplePayload()
	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{payloadResponse(t, payload)}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{judgeResponse(t, 0.5, false)}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, cfg)
	_, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindValidation {
		t.Fatalf("err = %v, want a KindValidation *errs.Error", err)
	}
	if len(attempts) != cfg.MaxRetries {
		t.Fatalf("len(attempts) = %d, want %d", len(attempts), cfg.MaxRetries)
	}
	if provider.calls != cfg.MaxRetries || judge.calls != cfg.MaxRetries {
		t.Fatalf("provider.calls=%d judge.calls=%d, want %d each", provider.calls, judge.calls, cfg.MaxRetries)
	}
}

func TestAlignDetectsRefusalAndRetries(t *testing.T) {
	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{
		{Text: "I'm sorry, I cannot help with that request.", Model: "align-model"},
		payloadResponse(t, samplePayload()),
	}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{judgeResponse(t, 0.9, false)}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	result, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Feedback == "" {
		t.Fatalf("attempts = %+v, want 2 attempts with refusal feedback recorded", attempts)
	}
	if result.ConfidenceScore != 0.9 {
		t.Fatalf("ConfidenceScore = %v, want 0.9", result.ConfidenceScore)
	}
	// judge is only consulted once, since the first attempt never got past
	// the refusal check.
	if judge.calls != 1 {
		t.Fatalf("judge.calls = %d, want 1", judge.calls)
	}
}

func TestAlignPropagatesAuthErrorImmediately(t *testing.T) {
	authErr := errs.NewAuthError("not authenticated", 0)
	provider := &scriptedProvider{
		name:      "align-model",
		responses: []*llm.Response{nil},
		errs:      []error{authErr},
	}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{judgeResponse(t, 0.9, false)}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	_, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if !errs.Is(err, errs.KindAuth) {
		t.Fatalf("err = %v, want a KindAuth error", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("attempts = %+v, want none recorded before propagating", attempts)
	}
	if provider.calls != 1 {
		t.Fatalf("provider.calls = %d, want 1 (no retry on auth error)", provider.calls)
	}
}

func TestMarkdownFenceStrippedBeforeParse(t *testing.T) {
	data, _ := json.Marshal(samplePayload())
	fenced := "```json\n" + string(data) + "\n```"
	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{{Text: fenced, Model: "align-model"}}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{judgeResponse(t, 0.9, false)}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	result, _, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if _, ok := result.HSDSData["organization"]; !ok {
		t.Fatalf("expected parsed payload to contain organization, got %v", result.HSDSData)
	}
}

func TestHallucinationFeedbackReachesRetryPrompt(t *testing.T) {
	hallucinated := samplePayload()
	org := hallucinated["organization"].([]any)[0].(map[string]any)
	org["email"] = "made-up@example.org"

	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{
		payloadResponse(t, hallucinated),
		payloadResponse(t, samplePayload()),
	}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{
		payloadResponse(t, map[string]any{
			"confidence":              0.0,
			"hallucination_detected":  true,
			"missing_required_fields": []string{},
			"mismatched_fields":       []string{"organization[0].email"},
		}),
		judgeResponse(t, 0.9, false),
	}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	result, attempts, err := a.Align(context.Background(), "raw input text", nil, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if result.ConfidenceScore != 0.9 {
		t.Fatalf("ConfidenceScore = %v, want 0.9", result.ConfidenceScore)
	}
	if len(provider.prompts) != 2 {
		t.Fatalf("len(provider.prompts) = %d, want 2", len(provider.prompts))
	}
	retryPrompt := provider.prompts[1]
	if !strings.Contains(retryPrompt, "Remove any hallucinated data not present in input") {
		t.Fatalf("retry prompt missing the hallucination call-out:\n%s", retryPrompt)
	}
	if !strings.Contains(retryPrompt, "organization[0].email") {
		t.Fatalf("retry prompt missing the mismatched field:\n%s", retryPrompt)
	}
}

func TestNearMissRetriesWithoutFeedback(t *testing.T) {
	provider := &scriptedProvider{name: "align-model", responses: []*llm.Response{
		payloadResponse(t, samplePayload()),
		payloadResponse(t, samplePayload()),
	}}
	judge := &scriptedProvider{name: "judge-model", responses: []*llm.Response{
		judgeResponse(t, 0.75, false),
		judgeResponse(t, 0.9, false),
	}}

	a := New(provider, validator.New(judge), DefaultSystemPrompt, DefaultConfig())
	if _, _, err := a.Align(context.Background(), "raw input text", nil, nil); err != nil {
		t.Fatalf("Align: %v", err)
	}
	// 0.75 sits between retry_threshold (0.65) and min_confidence (0.82):
	// the retry runs on sampling variance alone, no feedback block.
	if strings.Contains(provider.prompts[1], "Previous attempt had the following issues") {
		t.Fatalf("near-miss retry prompt should carry no feedback block:\n%s", provider.prompts[1])
	}
}

func TestFeedbackAnnotatesFieldRelationships(t *testing.T) {
	a := &Aligner{systemPrompt: "SYS"}
	feedback := "missing field 'services' in organization[0]"
	prompt := a.prepareInput("raw", feedback, nil)
	if !strings.Contains(prompt, "Required to link organization with service") {
		t.Fatalf("prompt did not annotate the services relationship:\n%s", prompt)
	}
}
