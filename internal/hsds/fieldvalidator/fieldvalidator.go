// Package fieldvalidator implements the deterministic presence/completeness
// scoring of an HSDS payload: a pure function of the payload and an
// optional "known fields" set, with no LLM calls.
package fieldvalidator

import (
	"fmt"
	"sort"
	"strings"
)

// Deduction categories and their penalties. "Known" penalties apply when
// the scraper asserted the field was present and it's still missing;
// "unknown" penalties apply otherwise.
const (
	deductionTopLevelUnknown = 0.15
	deductionTopLevelKnown   = 0.25

	deductionOrganizationUnknown = 0.10
	deductionOrganizationKnown   = 0.20

	deductionServiceUnknown = 0.10
	deductionServiceKnown   = 0.20

	deductionLocationUnknown = 0.10
	deductionLocationKnown   = 0.20

	deductionOtherUnknown = 0.05
	deductionOtherKnown   = 0.15

	deductionInferrableAddress  = 0.03
	deductionInferrableDefaults = 0.02
	deductionInferrableStatus   = 0.02
)

// RequiredFields lists the required field names per top-level entity.
// Missing-field paths reported by this package use an indexed dotted
// form ("organization[0].name").
var RequiredFields = map[string][]string{
	"organization": {
		"name", "description", "services", "phones",
		"organization_identifiers", "contacts", "metadata",
	},
	"service": {
		"name", "description", "status", "organization_id",
		"phones", "schedules",
	},
	"location": {
		"name", "location_type", "addresses", "latitude", "longitude",
		"phones", "accessibility", "contacts", "schedules", "languages",
		"metadata",
	},
}

// Sub-entity required fields, checked on every entry of a present phones/
// addresses/schedules array. A missing sub-field lands in one of the
// inferrable categories below, so an address without a postal code costs
// far less than an organization without a name.
var (
	phoneRequiredFields    = []string{"number", "type", "languages"}
	addressRequiredFields  = []string{"city", "state_province", "postal_code", "country", "address_type"}
	scheduleRequiredFields = []string{"freq", "wkst"}
)

// inferrableAddressFields, inferrableDefaultFields, and
// inferrableStatusFields are matched against a missing path's leaf name,
// checked first, before the generic per-section penalty. The ordering was
// tuned empirically; changing it shifts scores. A phone entry's "type"
// leaf counts as an inferrable default too, handled separately in
// calculateConfidence since the bare leaf name is ambiguous.
var inferrableAddressFields = map[string]bool{
	"city": true, "state_province": true, "postal_code": true,
}

var inferrableDefaultFields = map[string]bool{
	"country": true, "languages": true, "address_type": true,
}

var inferrableStatusFields = map[string]bool{
	"status": true, "location_type": true, "freq": true, "wkst": true,
}

// Result is the output of Validate.
type Result struct {
	MissingRequiredFields []string
	Confidence            float64
	Feedback              string
}

// Validate scores payload's field completeness. knownFields, if non-nil,
// maps an entity name to the set of field names the scraper asserted were
// present in its raw input; top-level entities use their own name
// ("organization", "service", "location"), sub-entity fields use "phone",
// "address", or "schedule".
func Validate(payload map[string]any, knownFields map[string][]string) Result {
	known := toKnownSet(knownFields)

	missing := validateRequiredFields(payload)
	missing = append(missing, validateSubEntities(payload)...)
	sort.Strings(missing)

	confidence := calculateConfidence(missing, known)
	feedback := generateFeedback(missing)

	return Result{
		MissingRequiredFields: missing,
		Confidence:            confidence,
		Feedback:              feedback,
	}
}

func toKnownSet(knownFields map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(knownFields))
	for entity, fields := range knownFields {
		set := make(map[string]bool, len(fields))
		for _, f := range fields {
			set[f] = true
		}
		out[entity] = set
	}
	return out
}

// validateRequiredFields walks organization[], service[], and location[]
// and reports any missing required field as a dotted path with its index,
// e.g. "organization[0].description".
func validateRequiredFields(payload map[string]any) []string {
	var missing []string

	for _, entity := range []string{"organization", "service", "location"} {
		items, ok := asSlice(payload[entity])
		if !ok {
			missing = append(missing, fmt.Sprintf("%s[top-level]", entity))
			continue
		}
		required := RequiredFields[entity]
		for i, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, field := range required {
				if !hasNonEmptyField(item, field) {
					missing = append(missing, fmt.Sprintf("%s[%d].%s", entity, i, field))
				}
			}
		}
	}
	return missing
}

// validateSubEntities descends into the phones, schedules, and addresses
// arrays of every entity entry and checks their own required fields, so a
// present-but-incomplete phone or address surfaces as a concrete path
// like "location[0].addresses[0].postal_code".
func validateSubEntities(payload map[string]any) []string {
	var missing []string
	for _, entity := range []string{"organization", "service", "location"} {
		items, ok := asSlice(payload[entity])
		if !ok {
			continue
		}
		for i, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			prefix := fmt.Sprintf("%s[%d]", entity, i)
			missing = append(missing, checkEntries(item, "phones", prefix, phoneRequiredFields)...)
			missing = append(missing, checkEntries(item, "schedules", prefix, scheduleRequiredFields)...)
			if entity == "location" {
				missing = append(missing, checkEntries(item, "addresses", prefix, addressRequiredFields)...)
			}
		}
	}
	return missing
}

func checkEntries(item map[string]any, key, prefix string, required []string) []string {
	entries, ok := asSlice(item[key])
	if !ok {
		return nil
	}
	var missing []string
	for j, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range required {
			if !hasNonEmptyField(entry, field) {
				missing = append(missing, fmt.Sprintf("%s.%s[%d].%s", prefix, key, j, field))
			}
		}
	}
	return missing
}

func hasNonEmptyField(item map[string]any, field string) bool {
	v, ok := item[field]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// calculateConfidence starts at 1.0 and subtracts a penalty per missing
// field, checking the inferrable categories first.
func calculateConfidence(missing []string, known map[string]map[string]bool) float64 {
	score := 1.0
	for _, path := range missing {
		entity, fieldName, isKnown := classify(path, known)
		isPhoneType := fieldName == "type" && strings.Contains(path, "phones[")

		switch {
		case inferrableAddressFields[fieldName]:
			score -= deductionInferrableAddress
		case isPhoneType || inferrableDefaultFields[fieldName]:
			score -= deductionInferrableDefaults
		case inferrableStatusFields[fieldName]:
			score -= deductionInferrableStatus
		case strings.HasSuffix(path, "[top-level]"):
			if isKnown {
				score -= deductionTopLevelKnown
			} else {
				score -= deductionTopLevelUnknown
			}
		case entity == "organization":
			if isKnown {
				score -= deductionOrganizationKnown
			} else {
				score -= deductionOrganizationUnknown
			}
		case entity == "service":
			if isKnown {
				score -= deductionServiceKnown
			} else {
				score -= deductionServiceUnknown
			}
		case entity == "location":
			if isKnown {
				score -= deductionLocationKnown
			} else {
				score -= deductionLocationUnknown
			}
		default:
			if isKnown {
				score -= deductionOtherKnown
			} else {
				score -= deductionOtherUnknown
			}
		}
	}
	return clamp01(score)
}

// classify extracts the scoring entity and the bare (leaf) field name
// from a missing-field path, and reports whether the scraper asserted that
// field was known-present. A sub-entity path ("…phones[0].number")
// classifies as its own kind ("phone", "address", "schedule"), which takes
// the generic "other" penalty rather than the enclosing entity's, and
// looks up known fields under that kind's key.
func classify(path string, known map[string]map[string]bool) (entity, fieldName string, isKnown bool) {
	entity = path
	if idx := strings.IndexAny(path, "[."); idx >= 0 {
		entity = path[:idx]
	}
	switch {
	case strings.Contains(path, "phones["):
		entity = "phone"
	case strings.Contains(path, "addresses["):
		entity = "address"
	case strings.Contains(path, "schedules["):
		entity = "schedule"
	}

	parts := strings.Split(path, ".")
	fieldName = parts[len(parts)-1]
	// Strip any trailing index bracket, e.g. "number" stays as-is but
	// "organization[0]" alone (top-level) has no field suffix.
	if bracket := strings.Index(fieldName, "["); bracket >= 0 {
		fieldName = fieldName[:bracket]
	}

	if set, ok := known[entity]; ok {
		isKnown = set[fieldName]
	}
	return entity, fieldName, isKnown
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// generateFeedback groups missing fields by entity into a human-readable
// string; empty when there is nothing missing.
func generateFeedback(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	grouped := map[string][]string{}
	order := []string{}
	for _, path := range missing {
		entity := path
		if idx := strings.IndexAny(path, "[."); idx >= 0 {
			entity = path[:idx]
		}
		if _, ok := grouped[entity]; !ok {
			order = append(order, entity)
		}
		grouped[entity] = append(grouped[entity], path)
	}

	var b strings.Builder
	for i, entity := range order {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Missing fields in %s: %s", entity, strings.Join(grouped[entity], ", "))
	}
	return b.String()
}
