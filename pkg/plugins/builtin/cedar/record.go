// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cedar

import (
	"strings"

	cedar "github.com/cedar-policy/cedar-go"
)

// convertMapToCedarRecord converts a generic map into a Cedar record.
// Values Cedar cannot represent (nested maps, structs, non-finite floats)
// are skipped rather than failing the whole record.
func convertMapToCedarRecord(m map[string]any) cedar.Record {
	recordMap := cedar.RecordMap{}
	for k, v := range m {
		if value, ok := convertToCedarValue(v); ok {
			recordMap[cedar.String(k)] = value
		}
	}
	return cedar.NewRecord(recordMap)
}

// convertToCedarValue converts a single Go value to a Cedar value.
func convertToCedarValue(v any) (cedar.Value, bool) {
	switch val := v.(type) {
	case bool:
		return cedar.Boolean(val), true
	case string:
		return cedar.String(val), true
	case int:
		return cedar.Long(val), true
	case int64:
		return cedar.Long(val), true
	case float64:
		decimal, err := cedar.NewDecimalFromFloat(val)
		if err != nil {
			return nil, false
		}
		return decimal, true
	case []string:
		values := make([]cedar.Value, 0, len(val))
		for _, s := range val {
			values = append(values, cedar.String(s))
		}
		return cedar.NewSet(values...), true
	case []any:
		values := make([]cedar.Value, 0, len(val))
		for _, item := range val {
			if value, ok := convertToCedarValue(item); ok {
				values = append(values, value)
			}
		}
		return cedar.NewSet(values...), true
	}
	return nil, false
}

// sanitizeURIForCedar sanitizes a URI for use as a Cedar entity ID.
// Cedar entity IDs have restrictions on characters, so URI punctuation is
// replaced with underscores.
func sanitizeURIForCedar(uri string) string {
	replacer := strings.NewReplacer(
		":", "_",
		"/", "_",
		"\\", "_",
		"?", "_",
		"&", "_",
		"=", "_",
		"#", "_",
		" ", "_",
		".", "_",
	)
	return replacer.Replace(uri)
}
