package transform

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Helpers is the only context a custom transform sees besides the value.
type Helpers struct {
	Logger      *slog.Logger
	ParseNumber func(string) (float64, error)
	ParseBool   func(string) (bool, error)
	ParseDate   func(string) (time.Time, error)
}

// Func is a named custom transform.
type Func func(value any, h Helpers) (any, error)

var currencyNoise = regexp.MustCompile(`[^0-9.,\-]`)

// builtins are always registered.
var builtins = map[string]Func{
	"trim": func(v any, _ Helpers) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("trim expects a string, got %s", TypeOf(v))
		}
		return strings.TrimSpace(s), nil
	},
	"lowercase": func(v any, _ Helpers) (any, error) {
		return strings.ToLower(stringify(v)), nil
	},
	"uppercase": func(v any, _ Helpers) (any, error) {
		return strings.ToUpper(stringify(v)), nil
	},
	// parseCurrency turns "$1,234.50" or "EUR 12" into a number.
	"parseCurrency": func(v any, h Helpers) (any, error) {
		cleaned := currencyNoise.ReplaceAllString(stringify(v), "")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		return h.ParseNumber(cleaned)
	},
	// parseEuropeanNumber turns "1.234,56" into 1234.56.
	"parseEuropeanNumber": func(v any, h Helpers) (any, error) {
		s := strings.ReplaceAll(stringify(v), ".", "")
		s = strings.ReplaceAll(s, ",", ".")
		return h.ParseNumber(s)
	},
	// splitComma turns "a, b,c" into ["a","b","c"].
	"splitComma": func(v any, _ Helpers) (any, error) {
		return splitList(stringify(v)), nil
	},
	// unixSecondsToDate turns epoch seconds into an ISO-8601 string.
	"unixSecondsToDate": func(v any, h Helpers) (any, error) {
		f, ok := toFloat(v)
		if !ok {
			parsed, err := h.ParseNumber(stringify(v))
			if err != nil {
				return nil, err
			}
			f = parsed
		}
		return FormatDate(time.Unix(int64(f), 0)), nil
	},
}

// Registry holds the custom transforms available to rules.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry with the built-in transforms plus extra.
func NewRegistry(extra map[string]Func) *Registry {
	r := &Registry{funcs: make(map[string]Func, len(builtins)+len(extra))}
	for name, fn := range builtins {
		r.funcs[name] = fn
	}
	for name, fn := range extra {
		r.funcs[name] = fn
	}
	return r
}

// Lookup returns the transform registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists registered transforms in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
