// Package transform applies per-field type coercion rules to imported rows.
//
// Rules run in order against a deep copy of the row. A rule whose field is
// absent, null, or of a different type than its fromType is skipped. A rule
// that fails leaves the field as it was and is reported as a change with an
// error; it never stops the remaining rules.
package transform

import (
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/jonathan/event-importer/internal/fieldpath"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/types"
)

// Result is the outcome of applying rules to one row.
type Result struct {
	Transformed types.Row
	Changes     []types.FieldChange
}

// Applied returns the changes that succeeded.
func (r Result) Applied() []types.FieldChange {
	var applied []types.FieldChange
	for _, c := range r.Changes {
		if c.Error == "" {
			applied = append(applied, c)
		}
	}
	return applied
}

// Failed returns the changes that carry an error.
func (r Result) Failed() []types.FieldChange {
	var failed []types.FieldChange
	for _, c := range r.Changes {
		if c.Error != "" {
			failed = append(failed, c)
		}
	}
	return failed
}

// Service applies transformation rules.
type Service struct {
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a Service. A nil registry uses the built-in transforms.
func NewService(registry *Registry, logger *slog.Logger) *Service {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{registry: registry, logger: logger}
}

// Apply runs the enabled rules against a copy of row.
func (s *Service) Apply(row types.Row, rules []types.TransformRule) Result {
	out := row.Clone()
	if out == nil {
		out = types.Row{}
	}
	result := Result{Transformed: out}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		current, found := fieldpath.Get(out, rule.FieldPath)
		if !found || current == nil {
			continue
		}
		if TypeOf(current) != rule.FromType {
			continue
		}

		next, err := s.applyRule(current, rule)
		if err != nil {
			result.Changes = append(result.Changes, types.FieldChange{
				Path:     rule.FieldPath,
				OldValue: current,
				NewValue: current,
				RuleID:   rule.ID,
				Error:    err.Error(),
			})
			continue
		}

		if reflect.DeepEqual(current, next) {
			continue
		}
		if !fieldpath.Set(out, rule.FieldPath, next) {
			result.Changes = append(result.Changes, types.FieldChange{
				Path:     rule.FieldPath,
				OldValue: current,
				NewValue: current,
				RuleID:   rule.ID,
				Error:    fmt.Sprintf("cannot write field %s", rule.FieldPath),
			})
			continue
		}
		result.Changes = append(result.Changes, types.FieldChange{
			Path:     rule.FieldPath,
			OldValue: current,
			NewValue: next,
			RuleID:   rule.ID,
		})
	}

	return result
}

func (s *Service) applyRule(value any, rule types.TransformRule) (any, error) {
	switch rule.TransformStrategy {
	case types.TransformParse:
		return parse(value, rule)
	case types.TransformCast:
		return cast(value, rule.ToType), nil
	case types.TransformCustom:
		return s.custom(value, rule)
	case types.TransformReject:
		return nil, &Error{
			FieldPath: rule.FieldPath,
			Strategy:  rule.TransformStrategy,
			Message: fmt.Sprintf("type mismatch at %s: expected %s, got %s",
				rule.FieldPath, rule.ToType, rule.FromType),
		}
	default:
		return nil, &Error{
			FieldPath: rule.FieldPath,
			Strategy:  rule.TransformStrategy,
			Message:   fmt.Sprintf("unknown transform strategy: %q", rule.TransformStrategy),
		}
	}
}

func parse(value any, rule types.TransformRule) (any, error) {
	fail := func(err error) error {
		return &Error{FieldPath: rule.FieldPath, Strategy: types.TransformParse, Message: "parse failed", Cause: err}
	}

	switch rule.ToType {
	case types.FieldTypeNumber:
		if s, ok := value.(string); ok {
			n, err := ParseNumber(s)
			if err != nil {
				return nil, fail(err)
			}
			return n, nil
		}
		if b, ok := value.(bool); ok {
			return boolToNumber(b), nil
		}
	case types.FieldTypeBoolean:
		if s, ok := value.(string); ok {
			b, err := ParseBool(s)
			if err != nil {
				return nil, fail(err)
			}
			return b, nil
		}
		if f, ok := toFloat(value); ok {
			switch f {
			case 0:
				return false, nil
			case 1:
				return true, nil
			}
			return nil, fail(fmt.Errorf("cannot parse %v as boolean", f))
		}
	case types.FieldTypeDate:
		if s, ok := value.(string); ok {
			t, err := ParseDate(s)
			if err != nil {
				return nil, fail(err)
			}
			return FormatDate(t), nil
		}
		if f, ok := toFloat(value); ok {
			return FormatDate(time.UnixMilli(int64(f))), nil
		}
	case types.FieldTypeString:
		return stringify(value), nil
	case types.FieldTypeArray:
		if s, ok := value.(string); ok {
			return splitList(s), nil
		}
	}

	return nil, fail(fmt.Errorf("unsupported conversion from %s to %s", rule.FromType, rule.ToType))
}

// cast coerces without validation. Values with no numeric or date reading
// become null, since NaN and invalid dates have no JSON form.
func cast(value any, toType string) any {
	switch toType {
	case types.FieldTypeString:
		return stringify(value)
	case types.FieldTypeNumber:
		if f, ok := toFloat(value); ok {
			return f
		}
		switch v := value.(type) {
		case bool:
			return boolToNumber(v)
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return 0.0
			}
			if f, err := ParseNumber(trimmed); err == nil {
				return f
			}
		}
		return nil
	case types.FieldTypeBoolean:
		return truthy(value)
	case types.FieldTypeDate:
		if s, ok := value.(string); ok {
			if t, err := ParseDate(s); err == nil {
				return FormatDate(t)
			}
		}
		if f, ok := toFloat(value); ok {
			return FormatDate(time.UnixMilli(int64(f)))
		}
		return nil
	case types.FieldTypeArray:
		if arr, ok := value.([]any); ok {
			return arr
		}
		return []any{value}
	default:
		return value
	}
}

func (s *Service) custom(value any, rule types.TransformRule) (out any, err error) {
	fn, ok := s.registry.Lookup(rule.CustomTransform)
	if !ok {
		return nil, &Error{
			FieldPath: rule.FieldPath,
			Strategy:  types.TransformCustom,
			Message:   fmt.Sprintf("custom transform failed: unknown transform %q", rule.CustomTransform),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &Error{
				FieldPath: rule.FieldPath,
				Strategy:  types.TransformCustom,
				Message:   fmt.Sprintf("custom transform failed: panic: %v", r),
			}
		}
	}()

	helpers := Helpers{
		Logger:      s.logger.With("transform", rule.CustomTransform, "field", rule.FieldPath),
		ParseNumber: ParseNumber,
		ParseBool:   ParseBool,
		ParseDate:   ParseDate,
	}

	out, err = fn(value, helpers)
	if err != nil {
		return nil, &Error{
			FieldPath: rule.FieldPath,
			Strategy:  types.TransformCustom,
			Message:   "custom transform failed",
			Cause:     err,
		}
	}
	return out, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func boolToNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func splitList(s string) []any {
	parts := strings.Split(s, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
