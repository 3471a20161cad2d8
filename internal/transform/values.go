package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/event-importer/internal/types"
)

// isoLayout matches the millisecond ISO-8601 form used for all date output.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04",
	"02.01.2006",
	"02.01.2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// TypeOf returns the field type name of a JSON-like value.
func TypeOf(v any) string {
	switch v.(type) {
	case nil:
		return types.FieldTypeNull
	case string:
		return types.FieldTypeString
	case float64, float32, int, int32, int64, json.Number:
		return types.FieldTypeNumber
	case bool:
		return types.FieldTypeBoolean
	case time.Time:
		return types.FieldTypeDate
	case []any:
		return types.FieldTypeArray
	case map[string]any, types.Row:
		return types.FieldTypeObject
	default:
		return types.FieldTypeObject
	}
}

// ParseNumber parses a decimal number, failing on anything that is not one.
func ParseNumber(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("cannot parse empty string as number")
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("cannot parse %q as number", s)
	}
	return f, nil
}

// ParseBool accepts true/1/yes and false/0/no, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("cannot parse %q as boolean", s)
	}
}

// ParseDate parses common date and date-time forms.
func ParseDate(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date", s)
}

// FormatDate renders t as an ISO-8601 UTC string with milliseconds.
func FormatDate(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// stringify follows String() semantics: shortest number form, "true"/"false",
// JSON for structured values.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return FormatDate(val)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}
