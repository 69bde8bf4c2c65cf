package schema

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

// Expected header columns of the tabular schema file, one row per field.
var tabularColumns = []string{
	"table_name", "name", "type", "required", "unique", "enum", "reference",
}

// LoadTables reads a tabular schema definition from a CSV file at path and
// groups its rows into per-entity TableSchemas. The enum column holds
// pipe-separated values; required/unique accept true/false, yes/no, or
// 1/0. A malformed file is fatal at worker startup.
func LoadTables(path string) (map[string]TableSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.NewSchemaError("opening schema file", err)
	}
	defer f.Close()
	return parseTables(f)
}

func parseTables(r io.Reader) (map[string]TableSchema, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errs.NewSchemaError("reading schema header row", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range tabularColumns {
		if _, ok := col[want]; !ok {
			return nil, errs.NewSchemaError(fmt.Sprintf("schema file missing column %q", want), nil)
		}
	}

	tables := map[string]TableSchema{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.NewSchemaError(fmt.Sprintf("reading schema row %d", line), err)
		}

		tableName := strings.TrimSpace(record[col["table_name"]])
		fieldName := strings.TrimSpace(record[col["name"]])
		if tableName == "" || fieldName == "" {
			return nil, errs.NewSchemaError(fmt.Sprintf("schema row %d has an empty table_name or name", line), nil)
		}

		kind := FieldKind(strings.ToLower(strings.TrimSpace(record[col["type"]])))
		if _, ok := jsonTypeByKind[kind]; !ok {
			return nil, errs.NewSchemaError(fmt.Sprintf("schema row %d has unknown type %q", line, kind), nil)
		}

		field := Field{
			TableName: tableName,
			Name:      fieldName,
			Kind:      kind,
			Required:  parseBoolCell(record[col["required"]]),
			Unique:    parseBoolCell(record[col["unique"]]),
			Reference: strings.TrimSpace(record[col["reference"]]),
			Enum:      parseEnumCell(record[col["enum"]]),
		}
		if (kind == KindObject || kind == KindArray) && field.Reference == "" {
			return nil, errs.NewSchemaError(fmt.Sprintf("schema row %d (%s.%s) has type %q but no reference", line, tableName, fieldName, kind), nil)
		}

		table := tables[tableName]
		table.Name = tableName
		table.Fields = append(table.Fields, field)
		tables[tableName] = table
	}
	if len(tables) == 0 {
		return nil, errs.NewSchemaError("schema file contains no field rows", nil)
	}
	return tables, nil
}

func parseBoolCell(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

func parseEnumCell(cell string) []string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	parts := strings.Split(cell, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
