package types

import "encoding/json"

// Row is one parsed record of an import file, keyed by column header.
// Values are JSON-like: string, float64, bool, nil, []any or map[string]any.
type Row map[string]any

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return Row(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Row:
		return Row(cloneValue(map[string]any(val)).(map[string]any))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// JSON returns the row encoded as JSON.
func (r Row) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// AsMap exposes the row as a plain map for path traversal.
func (r Row) AsMap() map[string]any {
	return r
}
