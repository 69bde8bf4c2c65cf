package fieldvalidator

import "testing"

func completePhone() map[string]any {
	return map[string]any{"number": "555-0100", "type": "voice", "languages": []any{"en"}}
}

func completeAddress() map[string]any {
	return map[string]any{
		"address_1": "123 Main St", "city": "Springfield", "state_province": "IL",
		"postal_code": "62701", "country": "US", "address_type": "physical",
	}
}

func completeSchedule() map[string]any {
	return map[string]any{"freq": "WEEKLY", "wkst": "MO"}
}

func completePayload() map[string]any {
	return map[string]any{
		"organization": []any{map[string]any{
			"name": "Food Bank", "description": "desc", "services": []any{"svc-1"},
			"phones":                   []any{completePhone()},
			"organization_identifiers": []any{map[string]any{"identifier": "ein-12-3456789"}},
			"contacts":                 []any{map[string]any{"name": "Jordan Doe"}},
			"metadata":                 map[string]any{"last_action_date": "2024-01-01"},
		}},
		"service": []any{map[string]any{
			"name": "Pantry", "description": "weekly food distribution",
			"status": "active", "organization_id": "org-1",
			"phones":    []any{completePhone()},
			"schedules": []any{completeSchedule()},
		}},
		"location": []any{map[string]any{
			"name": "Main", "location_type": "physical",
			"addresses": []any{completeAddress()},
			"latitude":  1.0, "longitude": 2.0,
			"phones":        []any{completePhone()},
			"accessibility": []any{map[string]any{"description": "wheelchair accessible"}},
			"contacts":      []any{map[string]any{"name": "Jordan Doe"}},
			"schedules":     []any{completeSchedule()},
			"languages":     []any{"en"},
			"metadata":      map[string]any{"last_action_date": "2024-01-01"},
		}},
	}
}

func TestValidateCompletePayloadIsConfidentAndClean(t *testing.T) {
	result := Validate(completePayload(), nil)
	if result.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", result.Confidence)
	}
	if len(result.MissingRequiredFields) != 0 {
		t.Errorf("MissingRequiredFields = %v, want empty", result.MissingRequiredFields)
	}
	if result.Feedback != "" {
		t.Errorf("Feedback = %q, want empty", result.Feedback)
	}
}

func TestValidateMissingTopLevelContainer(t *testing.T) {
	payload := completePayload()
	delete(payload, "location")
	result := Validate(payload, nil)
	want := 1.0 - deductionTopLevelUnknown
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v", result.Confidence, want)
	}
}

func TestValidateMissingOrganizationFieldUnknown(t *testing.T) {
	payload := completePayload()
	orgs := payload["organization"].([]any)
	org := orgs[0].(map[string]any)
	delete(org, "description")

	result := Validate(payload, nil)
	want := 1.0 - deductionOrganizationUnknown
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v", result.Confidence, want)
	}
	found := false
	for _, m := range result.MissingRequiredFields {
		if m == "organization[0].description" {
			found = true
		}
	}
	if !found {
		t.Errorf("MissingRequiredFields = %v, want organization[0].description", result.MissingRequiredFields)
	}
}

func TestValidateMissingKnownFieldPenalizedMore(t *testing.T) {
	payload := completePayload()
	orgs := payload["organization"].([]any)
	org := orgs[0].(map[string]any)
	delete(org, "description")

	known := map[string][]string{"organization": {"description"}}
	result := Validate(payload, known)
	want := 1.0 - deductionOrganizationKnown
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v (known penalty should be larger)", result.Confidence, want)
	}
}

func TestMissingAddressPieceTakesInferrablePenalty(t *testing.T) {
	payload := completePayload()
	locs := payload["location"].([]any)
	loc := locs[0].(map[string]any)
	addr := loc["addresses"].([]any)[0].(map[string]any)
	delete(addr, "postal_code")

	result := Validate(payload, nil)
	want := 1.0 - deductionInferrableAddress
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v", result.Confidence, want)
	}
	found := false
	for _, m := range result.MissingRequiredFields {
		if m == "location[0].addresses[0].postal_code" {
			found = true
		}
	}
	if !found {
		t.Errorf("MissingRequiredFields = %v, want location[0].addresses[0].postal_code", result.MissingRequiredFields)
	}
}

func TestMissingPhoneTypeTakesInferrableDefaultPenalty(t *testing.T) {
	payload := completePayload()
	orgs := payload["organization"].([]any)
	org := orgs[0].(map[string]any)
	phone := org["phones"].([]any)[0].(map[string]any)
	delete(phone, "type")

	result := Validate(payload, nil)
	want := 1.0 - deductionInferrableDefaults
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v", result.Confidence, want)
	}
}

func TestMissingScheduleFreqTakesInferrableStatusPenalty(t *testing.T) {
	payload := completePayload()
	svcs := payload["service"].([]any)
	svc := svcs[0].(map[string]any)
	sched := svc["schedules"].([]any)[0].(map[string]any)
	delete(sched, "freq")

	result := Validate(payload, nil)
	want := 1.0 - deductionInferrableStatus
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v", result.Confidence, want)
	}
}

func TestMissingServiceStatusIsInferrable(t *testing.T) {
	payload := completePayload()
	svcs := payload["service"].([]any)
	svc := svcs[0].(map[string]any)
	delete(svc, "status")

	result := Validate(payload, nil)
	want := 1.0 - deductionInferrableStatus
	if result.Confidence != want {
		t.Errorf("Confidence = %v, want %v (status is inferrable, not a generic service penalty)", result.Confidence, want)
	}
}

func TestInferrableFieldPenalizedLessThanGenericLocationPenalty(t *testing.T) {
	// "location[0].addresses[0].city" carries an inferrable-address leaf,
	// so it must take the smaller inferrable penalty rather than any
	// per-section penalty.
	score := calculateConfidence([]string{"location[0].addresses[0].city"}, nil)
	want := 1.0 - deductionInferrableAddress
	if score != want {
		t.Errorf("calculateConfidence(city) = %v, want %v", score, want)
	}

	genericScore := calculateConfidence([]string{"location[0].latitude"}, nil)
	wantGeneric := 1.0 - deductionLocationUnknown
	if genericScore != wantGeneric {
		t.Errorf("calculateConfidence(latitude) = %v, want %v", genericScore, wantGeneric)
	}
	if score <= genericScore {
		t.Errorf("inferrable penalty (%v) should be smaller than generic location penalty (%v)", 1-score, 1-genericScore)
	}
}

func TestPhoneNumberTakesOtherPenaltyWithKnownLookup(t *testing.T) {
	// A phone's number is not inferrable; it classifies as a sub-entity
	// ("other") miss, and known-field lookups use the "phone" key.
	score := calculateConfidence([]string{"organization[0].phones[0].number"}, nil)
	if want := 1.0 - deductionOtherUnknown; score != want {
		t.Errorf("calculateConfidence(number) = %v, want %v", score, want)
	}

	known := toKnownSet(map[string][]string{"phone": {"number"}})
	score = calculateConfidence([]string{"organization[0].phones[0].number"}, known)
	if want := 1.0 - deductionOtherKnown; score != want {
		t.Errorf("calculateConfidence(known number) = %v, want %v", score, want)
	}
}

func TestConfidenceNeverNegative(t *testing.T) {
	payload := map[string]any{}
	result := Validate(payload, nil)
	if result.Confidence < 0 {
		t.Errorf("Confidence = %v, want >= 0", result.Confidence)
	}
}

func TestPhoneFieldValidation(t *testing.T) {
	payload := completePayload()
	orgs := payload["organization"].([]any)
	org := orgs[0].(map[string]any)
	org["phones"] = []any{map[string]any{"number": ""}}

	result := Validate(payload, nil)
	wantMissing := []string{
		"organization[0].phones[0].number",
		"organization[0].phones[0].type",
		"organization[0].phones[0].languages",
	}
	for _, want := range wantMissing {
		found := false
		for _, m := range result.MissingRequiredFields {
			if m == want {
				found = true
			}
		}
		if !found {
			t.Errorf("MissingRequiredFields = %v, want %s", result.MissingRequiredFields, want)
		}
	}
}

func TestFeedbackGroupedByEntity(t *testing.T) {
	payload := completePayload()
	delete(payload, "service")
	delete(payload, "location")
	result := Validate(payload, nil)
	if result.Feedback == "" {
		t.Fatal("Feedback should be non-empty when fields are missing")
	}
}
