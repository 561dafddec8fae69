// Package models provides the data structures passed between the upstream
// adapter, the fetcher and the output writers.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one upstream entity (one coin, one sample) with the field set the
// API returned. Numbers are kept as json.Number so they pass through verbatim.
type Record map[string]any

// Page is the ordered list of records returned by one request.
type Page []Record

// DecodePage decodes a listing response body. The boolean reports whether the
// body was a JSON array at all; a non-array body yields (nil, false, nil).
func DecodePage(data []byte) (Page, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var page Page
	if err := dec.Decode(&page); err != nil {
		return nil, true, fmt.Errorf("failed to decode page: %w", err)
	}
	return page, true, nil
}

// Key returns a comparable form of the value stored under field. ok is false
// when the field is missing or null.
func (r Record) Key(field string) (string, bool) {
	v, exists := r[field]
	if !exists || v == nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return "s:" + val, true
	case json.Number:
		return "n:" + val.String(), true
	case float64:
		return "n:" + strconv.FormatFloat(val, 'g', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(val), true
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("x:%v", val), true
		}
		return "x:" + string(encoded), true
	}
}

// IsPrimitive reports whether v is a string, number, boolean or null.
func IsPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number, float64, float32, int, int64, int32:
		return true
	default:
		return false
	}
}

// FormatPrimitive renders a primitive value as text. Numbers keep their JSON
// spelling and null renders empty. ok is false for nested values.
func FormatPrimitive(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", true
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	default:
		return "", false
	}
}
