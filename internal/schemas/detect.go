package schemas

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jonathan/event-importer/internal/transform"
	"github.com/jonathan/event-importer/internal/types"
)

// MaxSamples bounds the example values kept per field.
const MaxSamples = 5

// InferType returns the semantic field type of a raw cell. Strings that read
// as numbers, booleans or dates report that type; blank strings are null.
func InferType(v any) string {
	s, ok := v.(string)
	if !ok {
		return transform.TypeOf(v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return types.FieldTypeNull
	}
	if _, err := transform.ParseNumber(s); err == nil {
		return types.FieldTypeNumber
	}
	if _, err := transform.ParseBool(s); err == nil {
		return types.FieldTypeBoolean
	}
	if _, err := transform.ParseDate(s); err == nil {
		return types.FieldTypeDate
	}
	return types.FieldTypeString
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any, types.Row:
		return "object"
	default:
		return "string"
	}
}

type fieldStats struct {
	types     map[string]int
	jsonTypes map[string]bool
	unique    map[string]bool
	meta      types.FieldMetadata
}

// Detect gathers per-field metadata over rows and builds a JSON Schema for
// their raw values. A field is required when every row has a non-null value.
func Detect(rows []types.Row) (map[string]types.FieldMetadata, map[string]any) {
	stats := make(map[string]*fieldStats)
	for _, row := range rows {
		for field, value := range row {
			st, ok := stats[field]
			if !ok {
				st = &fieldStats{types: map[string]int{}, jsonTypes: map[string]bool{}, unique: map[string]bool{}}
				stats[field] = st
			}
			st.meta.Occurrences++
			st.jsonTypes[jsonType(value)] = true

			kind := InferType(value)
			st.types[kind]++
			if kind == types.FieldTypeNull {
				st.meta.NullCount++
				continue
			}
			key := fmt.Sprint(value)
			if !st.unique[key] {
				st.unique[key] = true
				if len(st.meta.Samples) < MaxSamples {
					st.meta.Samples = append(st.meta.Samples, value)
				}
			}
		}
	}

	metadata := make(map[string]types.FieldMetadata, len(stats))
	properties := make(map[string]any, len(stats))
	var required []string
	for field, st := range stats {
		st.meta.UniqueCount = len(st.unique)
		st.meta.Type = dominantType(st.types)
		for kind := range st.types {
			st.meta.Types = append(st.meta.Types, kind)
		}
		sort.Strings(st.meta.Types)
		metadata[field] = st.meta

		properties[field] = property(st)
		if st.meta.Occurrences == len(rows) && st.meta.NullCount == 0 {
			required = append(required, field)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return metadata, schema
}

func property(st *fieldStats) map[string]any {
	jsonTypes := make([]string, 0, len(st.jsonTypes))
	for t := range st.jsonTypes {
		jsonTypes = append(jsonTypes, t)
	}
	sort.Strings(jsonTypes)

	prop := map[string]any{"x-fieldType": st.meta.Type}
	if len(jsonTypes) == 1 {
		prop["type"] = jsonTypes[0]
	} else {
		prop["type"] = jsonTypes
	}
	return prop
}

// dominantType picks the most frequent non-null type. Mixed numbers and
// strings widen to string. A field with only nulls is null.
func dominantType(counts map[string]int) string {
	best, bestCount := types.FieldTypeNull, 0
	for kind, n := range counts {
		if kind == types.FieldTypeNull {
			continue
		}
		if n > bestCount || (n == bestCount && kind < best) {
			best, bestCount = kind, n
		}
	}
	if best != types.FieldTypeString && counts[types.FieldTypeString] > 0 {
		return types.FieldTypeString
	}
	return best
}
