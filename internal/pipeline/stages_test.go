package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/types"
)

var listedEdges = map[[2]types.Stage]bool{
	{types.StageAnalyzeDuplicates, types.StageDetectSchema}:    true,
	{types.StageDetectSchema, types.StageValidateSchema}:       true,
	{types.StageValidateSchema, types.StageAwaitApproval}:      true,
	{types.StageValidateSchema, types.StageGeocodeBatch}:       true,
	{types.StageAwaitApproval, types.StageCreateSchemaVersion}: true,
	{types.StageCreateSchemaVersion, types.StageGeocodeBatch}:  true,
	{types.StageGeocodeBatch, types.StageCreateEvents}:         true,
	{types.StageCreateEvents, types.StageCompleted}:            true,
}

func TestValidTransition_GraphClosure(t *testing.T) {
	for _, from := range types.AllStages {
		for _, to := range types.AllStages {
			want := from == to || to == types.StageFailed || listedEdges[[2]types.Stage{from, to}]
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				assert.Equal(t, want, ValidTransition(from, to))
			})
		}
	}
}

func TestValidTransition_FromStart(t *testing.T) {
	assert.True(t, ValidTransition(StageStart, types.StageAnalyzeDuplicates))
	for _, to := range types.AllStages {
		if to == types.StageAnalyzeDuplicates {
			continue
		}
		assert.False(t, ValidTransition(StageStart, to), "start -> %s", to)
	}
}

func TestValidTransition_UnknownStage(t *testing.T) {
	assert.False(t, ValidTransition(types.StageDetectSchema, types.Stage("publish")))
	assert.False(t, ValidTransition(types.Stage("publish"), types.StageDetectSchema))
}

func TestValidateTransition_ErrorMessage(t *testing.T) {
	err := ValidateTransition(types.StageAnalyzeDuplicates, types.StageCreateEvents)
	require.Error(t, err)
	assert.Equal(t, "Invalid stage transition from 'analyze-duplicates' to 'create-events'", err.Error())

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.StageAnalyzeDuplicates, invalid.From)
	assert.Equal(t, types.StageCreateEvents, invalid.To)
}

func TestTaskFor(t *testing.T) {
	tests := []struct {
		stage types.Stage
		task  string
	}{
		{types.StageAnalyzeDuplicates, "analyze-duplicates"},
		{types.StageDetectSchema, "detect-schema"},
		{types.StageValidateSchema, "validate-schema"},
		{types.StageCreateSchemaVersion, "create-schema-version"},
		{types.StageGeocodeBatch, "geocode-batch"},
		{types.StageCreateEvents, "create-events"},
		{types.StageAwaitApproval, ""},
		{types.StageCompleted, ""},
		{types.StageFailed, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			assert.Equal(t, tt.task, TaskFor(tt.stage))
		})
	}
}

func TestStageRegistry_CoversEveryStage(t *testing.T) {
	for _, stage := range types.AllStages {
		def, ok := StageRegistry[stage]
		require.True(t, ok, "missing definition for %s", stage)
		assert.Equal(t, stage, def.Stage)
	}
}
