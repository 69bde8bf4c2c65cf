// Package schema converts a tabular HSDS schema definition (one row per
// field) into a strict JSON Schema suitable for structured-output mode,
// and validates the result against the JSON Schema meta-schema before it
// is handed to a provider.
package schema

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
	"github.com/for-the-greater-good/sheltermap/internal/llm"
)

// Pattern constraints for semantically typed fields.
const (
	PatternUSStateCode   = `^[A-Z]{2}$`
	PatternPostalCode    = `^\d{5}(-\d{4})?$`
	PatternCountryCode   = `^[A-Z]{2}$`
	PatternTime24Hour    = `^([01]\d|2[0-3]):[0-5]\d(:[0-5]\d)?(Z|[+-]\d{2}:\d{2})?$`
	PatternISODate       = `^\d{4}-\d{2}-\d{2}$`
	PatternPhoneFreeForm = `^[\d\s()+.\-]+$`
)

// FieldKind labels the semantic type of a tabular schema field, driving
// which pattern constraint (if any) gets attached to it.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindInteger    FieldKind = "integer"
	KindNumber     FieldKind = "number"
	KindBoolean    FieldKind = "boolean"
	KindUSState    FieldKind = "us_state"
	KindPostalCode FieldKind = "postal_code"
	KindCountry    FieldKind = "country_code"
	KindTime       FieldKind = "time"
	KindDate       FieldKind = "date"
	KindPhone      FieldKind = "phone"
	KindObject     FieldKind = "object"
	KindArray      FieldKind = "array"
)

// Field is one row of the tabular schema definition.
type Field struct {
	TableName string
	Name      string
	Kind      FieldKind
	Required  bool
	Unique    bool
	Enum      []string
	Reference string // sub-schema entity name, for KindObject/KindArray
}

// TableSchema is the full set of field rows for one HSDS entity
// (organization, service, or location).
type TableSchema struct {
	Name   string
	Fields []Field
}

var patternByKind = map[FieldKind]string{
	KindUSState:    PatternUSStateCode,
	KindPostalCode: PatternPostalCode,
	KindCountry:    PatternCountryCode,
	KindTime:       PatternTime24Hour,
	KindDate:       PatternISODate,
	KindPhone:      PatternPhoneFreeForm,
}

var jsonTypeByKind = map[FieldKind]string{
	KindString:     "string",
	KindInteger:    "integer",
	KindNumber:     "number",
	KindBoolean:    "boolean",
	KindUSState:    "string",
	KindPostalCode: "string",
	KindCountry:    "string",
	KindTime:       "string",
	KindDate:       "string",
	KindPhone:      "string",
	KindObject:     "object",
	KindArray:      "array",
}

// Convert turns a TableSchema into a JSON Schema object: additionalProperties:
// false at every object level, a required array from the Required rows,
// inlined enums, and pattern constraints on semantically typed fields.
// Convert is pure and its result is byte-stable for a given input, so
// callers can cache the returned document once per process.
func Convert(tables map[string]TableSchema, rootTable string) (map[string]any, error) {
	visited := make(map[string]bool)
	return convertTable(tables, rootTable, visited)
}

func convertTable(tables map[string]TableSchema, name string, visited map[string]bool) (map[string]any, error) {
	if visited[name] {
		// Guard against a reference cycle in the tabular definition;
		// the HSDS data model itself is cyclic at the data level but the
		// schema definition must not be.
		return map[string]any{"type": "object"}, nil
	}
	visited[name] = true

	table, ok := tables[name]
	if !ok {
		return nil, errs.NewSchemaError(fmt.Sprintf("unknown schema table %q", name), nil)
	}

	properties := make(map[string]any, len(table.Fields))
	required := make([]string, 0, len(table.Fields))

	for _, f := range table.Fields {
		prop, err := convertField(tables, f, visited)
		if err != nil {
			return nil, err
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	sort.Strings(required)

	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out, nil
}

func convertField(tables map[string]TableSchema, f Field, visited map[string]bool) (map[string]any, error) {
	switch f.Kind {
	case KindObject:
		nested, err := convertTable(tables, f.Reference, cloneVisited(visited))
		if err != nil {
			return nil, err
		}
		return nested, nil
	case KindArray:
		itemSchema, err := convertTable(tables, f.Reference, cloneVisited(visited))
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": itemSchema}, nil
	}

	jsonType, ok := jsonTypeByKind[f.Kind]
	if !ok {
		return nil, errs.NewSchemaError(fmt.Sprintf("unknown field kind %q on field %q", f.Kind, f.Name), nil)
	}
	prop := map[string]any{"type": jsonType}
	if len(f.Enum) > 0 {
		enumVals := make([]any, len(f.Enum))
		for i, v := range f.Enum {
			enumVals[i] = v
		}
		prop["enum"] = enumVals
	}
	if pattern, ok := patternByKind[f.Kind]; ok {
		prop["pattern"] = pattern
	}
	return prop, nil
}

func cloneVisited(v map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(v))
	for k, val := range v {
		cp[k] = val
	}
	return cp
}

// Validate checks that a generated JSON Schema document is itself a
// well-formed JSON Schema, using the draft-07 meta-schema via gojsonschema.
// Catches a malformed schema before it reaches the network as a
// structured-output request.
func Validate(schemaDoc map[string]any) error {
	loader := gojsonschema.NewGoLoader(schemaDoc)
	metaSchema := gojsonschema.NewSchemaLoader()
	metaSchema.Validate = true
	metaSchema.Draft = gojsonschema.Draft7
	if err := metaSchema.AddSchemas(loader); err != nil {
		return errs.NewSchemaError("schema document is not valid JSON Schema", err)
	}
	return nil
}

// ToFormat converts tables and wraps the result in the provider's
// structured-output envelope.
func ToFormat(tables map[string]TableSchema, rootTable, entityName, description string) (*llm.JSONSchemaFormat, error) {
	doc, err := Convert(tables, rootTable)
	if err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return llm.NewJSONSchemaFormat(entityName, description, doc), nil
}

// HSDSRootFormat wraps the three top-level entity arrays around the
// per-entity tables of a tabular schema file. The file defines
// organization, service, and location; the root object holding one array
// of each is fixed by the data model, not by a file row.
func HSDSRootFormat(tables map[string]TableSchema) (*llm.JSONSchemaFormat, error) {
	root := TableSchema{
		Name: "hsds",
		Fields: []Field{
			{TableName: "hsds", Name: "organization", Kind: KindArray, Required: true, Reference: "organization"},
			{TableName: "hsds", Name: "service", Kind: KindArray, Required: true, Reference: "service"},
			{TableName: "hsds", Name: "location", Kind: KindArray, Required: true, Reference: "location"},
		},
	}
	all := make(map[string]TableSchema, len(tables)+1)
	for name, table := range tables {
		all[name] = table
	}
	all["hsds"] = root
	return ToFormat(all, "hsds", "hsds", "HSDS organization, service, and location records")
}

// The patterns are handed to providers as raw strings; compiling them at
// init catches a typo before it reaches a request.
var _ = []*regexp.Regexp{
	regexp.MustCompile(PatternUSStateCode),
	regexp.MustCompile(PatternPostalCode),
	regexp.MustCompile(PatternCountryCode),
	regexp.MustCompile(PatternTime24Hour),
	regexp.MustCompile(PatternISODate),
	regexp.MustCompile(PatternPhoneFreeForm),
}
