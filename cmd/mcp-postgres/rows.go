package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// scanRecords drains rows into one column -> value map per row, preserving row order.
func scanRecords(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	types := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			types[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i], types[i])
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return results, nil
}

// normalizeValue makes driver values JSON friendly. Byte slices from json/jsonb columns are
// decoded, other byte slices become strings.
func normalizeValue(val interface{}, dbType string) interface{} {
	switch v := val.(type) {
	case []byte:
		if dbType == "JSON" || dbType == "JSONB" {
			var jsonVal interface{}
			if err := json.Unmarshal(v, &jsonVal); err == nil {
				return jsonVal
			}
		}
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// renderResult produces the text carried by the single content block of a success reply.
// Strings are sent as-is, everything else is pretty-printed JSON.
func renderResult(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(out), nil
}
