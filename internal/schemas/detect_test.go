package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/types"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{"", types.FieldTypeNull},
		{"   ", types.FieldTypeNull},
		{nil, types.FieldTypeNull},
		{"42", types.FieldTypeNumber},
		{"-1.5", types.FieldTypeNumber},
		{"yes", types.FieldTypeBoolean},
		{"FALSE", types.FieldTypeBoolean},
		{"2024-03-15", types.FieldTypeDate},
		{"Concert", types.FieldTypeString},
		{3.5, types.FieldTypeNumber},
		{true, types.FieldTypeBoolean},
		{[]any{"a"}, types.FieldTypeArray},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, InferType(tt.value), "%#v", tt.value)
	}
}

func TestDetect(t *testing.T) {
	rows := []types.Row{
		{"id": "1", "title": "Opening", "date": "2024-03-15", "capacity": "100", "notes": ""},
		{"id": "2", "title": "Jazz", "date": "2024-03-16", "capacity": "n/a", "notes": ""},
		{"id": "3", "title": "Jazz", "date": "2024-03-17", "capacity": "80"},
	}

	meta, schema := Detect(rows)

	require.Contains(t, meta, "title")
	assert.Equal(t, types.FieldTypeString, meta["title"].Type)
	assert.Equal(t, 3, meta["title"].Occurrences)
	assert.Equal(t, 2, meta["title"].UniqueCount)
	assert.Equal(t, []any{"Opening", "Jazz"}, meta["title"].Samples)

	assert.Equal(t, types.FieldTypeDate, meta["date"].Type)
	assert.Equal(t, types.FieldTypeNumber, meta["id"].Type)
	assert.Equal(t, types.FieldTypeString, meta["capacity"].Type, "mixed numbers and text widen to string")
	assert.Equal(t, []string{types.FieldTypeNumber, types.FieldTypeString}, meta["capacity"].Types)

	assert.Equal(t, types.FieldTypeNull, meta["notes"].Type)
	assert.Equal(t, 2, meta["notes"].NullCount)

	assert.Equal(t, []string{"capacity", "date", "id", "title"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "string", props["title"].(map[string]any)["type"])
	assert.Equal(t, types.FieldTypeDate, props["date"].(map[string]any)["x-fieldType"])

	for _, row := range rows {
		assert.NoError(t, ValidateDocument(schema, row))
	}
	assert.Error(t, ValidateDocument(schema, types.Row{"id": "4"}))
}

func TestDetect_Empty(t *testing.T) {
	meta, schema := Detect(nil)
	assert.Empty(t, meta)
	assert.NotContains(t, schema, "required")
}
