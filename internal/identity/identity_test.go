package identity

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/types"
)

func fixedClock() time.Time {
	return time.UnixMilli(1710460800000)
}

func TestGenerate_ExternalScenario(t *testing.T) {
	g := New()
	row := types.Row{"id": "ext-123", "name": "Test Event"}

	result, err := g.Generate(row, "123", &types.IDStrategy{Type: types.IDStrategyExternal, ExternalIDPath: "id"})
	require.NoError(t, err)
	assert.Equal(t, "123:ext:ext-123", result.UniqueID)
	assert.Equal(t, "external", result.Strategy)
}

func TestGenerate_ComputedScenario(t *testing.T) {
	g := New()
	strategy := &types.IDStrategy{
		Type:             types.IDStrategyComputed,
		ComputedIDFields: []types.ComputedField{{FieldPath: "title"}, {FieldPath: "date"}},
	}

	a, err := g.Generate(types.Row{"title": "Event", "date": "2024-03-15"}, "123", strategy)
	require.NoError(t, err)
	b, err := g.Generate(types.Row{"title": "Event", "date": "2024-03-15", "extra": "ignored"}, "123", strategy)
	require.NoError(t, err)

	assert.Equal(t, a.UniqueID, b.UniqueID)
	assert.Regexp(t, regexp.MustCompile(`^123:comp:[a-f0-9]{16}$`), a.UniqueID)
	assert.Equal(t, "computed", a.Strategy)
}

func TestGenerate_MissingStrategy(t *testing.T) {
	_, err := New().Generate(types.Row{"id": "x"}, "123", nil)
	require.ErrorIs(t, err, ErrStrategyRequired)
	assert.Equal(t, "idStrategy is required", err.Error())
}

func TestGenerate_FailureReturnsFallback(t *testing.T) {
	g := New(WithClock(fixedClock))

	result, err := g.Generate(types.Row{"name": "no id"}, "123",
		&types.IDStrategy{Type: types.IDStrategyExternal, ExternalIDPath: "id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing external ID at path: id")
	assert.Equal(t, "123:error:1710460800000", result.UniqueID)
	assert.Equal(t, StrategyError, result.Strategy)

	var idErr *Error
	assert.ErrorAs(t, err, &idErr)
}

func TestGenerate_UnknownStrategy(t *testing.T) {
	result, err := New().Generate(types.Row{}, "1", &types.IDStrategy{Type: "sequence"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ID strategy")
	assert.Equal(t, StrategyError, result.Strategy)
}

func TestExternal(t *testing.T) {
	tests := []struct {
		name    string
		row     types.Row
		path    string
		want    string
		wantErr string
	}{
		{"string value", types.Row{"id": "abc"}, "id", "7:ext:abc", ""},
		{"numeric value", types.Row{"id": 42.0}, "id", "7:ext:42", ""},
		{"nested path", types.Row{"meta": map[string]any{"ref": "R-1"}}, "meta.ref", "7:ext:R-1", ""},
		{"array index", types.Row{"refs": []any{"first", "second"}}, "refs.1", "7:ext:second", ""},
		{"trimmed", types.Row{"id": "  padded "}, "id", "7:ext:padded", ""},
		{"missing", types.Row{}, "id", "", "missing external ID at path: id"},
		{"empty string", types.Row{"id": "  "}, "id", "", "missing external ID at path: id"},
		{"spaces inside", types.Row{"id": "id with spaces"}, "id", "", "contains characters"},
		{"object value", types.Row{"id": map[string]any{"a": 1}}, "id", "", "must be a scalar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := External(tt.row, "7", tt.path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.UniqueID)
		})
	}
}

func TestSanitizeID(t *testing.T) {
	got, err := SanitizeID(" trimmed ")
	require.NoError(t, err)
	assert.Equal(t, "trimmed", got)

	got, err = SanitizeID("A-z_0.9:x")
	require.NoError(t, err)
	assert.Equal(t, "A-z_0.9:x", got)

	_, err = SanitizeID(strings.Repeat("a", 255))
	assert.NoError(t, err)

	for _, bad := range []string{"id with spaces", strings.Repeat("a", 256), "", "   ", "slash/inside", "ümlaut"} {
		_, err := SanitizeID(bad)
		var sErr *SanitizeError
		assert.ErrorAs(t, err, &sErr, "expected %q to be rejected", bad)
	}
}

func TestComputedHash_Determinism(t *testing.T) {
	fields := []types.ComputedField{{FieldPath: "title"}, {FieldPath: "date"}}
	reversed := []types.ComputedField{{FieldPath: "date"}, {FieldPath: "title"}}

	a, err := ComputedHash(types.Row{"title": "Event", "date": "2024-03-15"}, "1", fields)
	require.NoError(t, err)
	b, err := ComputedHash(types.Row{"date": "2024-03-15", "title": "Event", "x": 1.0}, "1", reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ComputedHash(types.Row{"title": "Event", "date": "2024-03-16"}, "1", fields)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "differing field values must diverge")

	d, err := ComputedHash(types.Row{"title": "Event", "date": "2024-03-15"}, "2", fields)
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "dataset ID is part of the hash")
}

func TestComputedHash_MissingFieldsListed(t *testing.T) {
	fields := []types.ComputedField{{FieldPath: "title"}, {FieldPath: "date"}, {FieldPath: "venue"}}

	_, err := ComputedHash(types.Row{"title": "Event"}, "1", fields)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date, venue")
}

func TestAuto(t *testing.T) {
	g := New(WithClock(fixedClock), WithRandom(bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef})))

	result, err := g.Auto(types.Row{"b": 2.0, "a": "x"}, "9")
	require.NoError(t, err)
	assert.Equal(t, "9:auto:1710460800000:deadbeef", result.UniqueID)
	assert.Equal(t, "auto", result.Strategy)
	assert.Len(t, result.ContentHash, 64)
}

func TestAuto_ShapeWithRealRandomness(t *testing.T) {
	g := New()
	a, err := g.Auto(types.Row{"a": 1.0}, "9")
	require.NoError(t, err)
	b, err := g.Auto(types.Row{"a": 1.0}, "9")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^9:auto:\d+:[a-f0-9]{8}$`), a.UniqueID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a, err := ContentHash(types.Row{"a": 1.0, "b": map[string]any{"x": "1", "y": "2"}})
	require.NoError(t, err)
	b, err := ContentHash(types.Row{"b": map[string]any{"y": "2", "x": "1"}, "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHybrid(t *testing.T) {
	strategy := &types.IDStrategy{
		Type:             types.IDStrategyHybrid,
		ExternalIDPath:   "id",
		ComputedIDFields: []types.ComputedField{{FieldPath: "title"}},
	}

	result, err := Hybrid(types.Row{"id": "E1", "title": "T"}, "1", strategy)
	require.NoError(t, err)
	assert.Equal(t, "1:ext:E1", result.UniqueID)

	result, err = Hybrid(types.Row{"title": "T"}, "1", strategy)
	require.NoError(t, err)
	assert.Equal(t, "computed", result.Strategy)

	_, err = Hybrid(types.Row{"other": "x"}, "1", strategy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing external ID at path: id")
	assert.Contains(t, err.Error(), "missing required fields for computed ID: title")
}
