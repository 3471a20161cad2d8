// Package pipeline moves import jobs through their processing stages and
// queues the job that does each stage's work.
package pipeline

import (
	"fmt"

	"github.com/jonathan/event-importer/internal/types"
)

// StageStart is the implicit stage of a job that has no previous state.
const StageStart types.Stage = "start"

// StageDefinition describes a stage, the stages it may move to, and the
// queue task that does its work.
type StageDefinition struct {
	Stage types.Stage
	Next  []types.Stage
	// Task is enqueued on entering the stage. Empty for stages that pause or end the pipeline.
	Task string
}

// StageRegistry holds every stage definition. Self-transitions and moves to
// failed are allowed from any stage and are not listed in Next.
var StageRegistry = map[types.Stage]StageDefinition{
	StageStart: {
		Stage: StageStart,
		Next:  []types.Stage{types.StageAnalyzeDuplicates},
	},
	types.StageAnalyzeDuplicates: {
		Stage: types.StageAnalyzeDuplicates,
		Next:  []types.Stage{types.StageDetectSchema},
		Task:  string(types.StageAnalyzeDuplicates),
	},
	types.StageDetectSchema: {
		Stage: types.StageDetectSchema,
		Next:  []types.Stage{types.StageValidateSchema},
		Task:  string(types.StageDetectSchema),
	},
	types.StageValidateSchema: {
		Stage: types.StageValidateSchema,
		Next:  []types.Stage{types.StageAwaitApproval, types.StageGeocodeBatch},
		Task:  string(types.StageValidateSchema),
	},
	types.StageAwaitApproval: {
		Stage: types.StageAwaitApproval,
		Next:  []types.Stage{types.StageCreateSchemaVersion},
	},
	types.StageCreateSchemaVersion: {
		Stage: types.StageCreateSchemaVersion,
		Next:  []types.Stage{types.StageGeocodeBatch},
		Task:  string(types.StageCreateSchemaVersion),
	},
	types.StageGeocodeBatch: {
		Stage: types.StageGeocodeBatch,
		Next:  []types.Stage{types.StageCreateEvents},
		Task:  string(types.StageGeocodeBatch),
	},
	types.StageCreateEvents: {
		Stage: types.StageCreateEvents,
		Next:  []types.Stage{types.StageCompleted},
		Task:  string(types.StageCreateEvents),
	},
	types.StageCompleted: {
		Stage: types.StageCompleted,
	},
	types.StageFailed: {
		Stage: types.StageFailed,
	},
}

// InvalidTransitionError is returned for a move along an edge that does not exist.
type InvalidTransitionError struct {
	From types.Stage
	To   types.Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid stage transition from '%s' to '%s'", e.From, e.To)
}

// ValidTransition reports whether a job may move from one stage to another.
func ValidTransition(from, to types.Stage) bool {
	def, ok := StageRegistry[from]
	if !ok || !to.Valid() {
		return false
	}
	if from == to || to == types.StageFailed {
		return from != StageStart || to == types.StageAnalyzeDuplicates
	}
	for _, next := range def.Next {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an *InvalidTransitionError when ValidTransition is false.
func ValidateTransition(from, to types.Stage) error {
	if !ValidTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// TaskFor returns the queue task for entering stage, or "" when none runs.
func TaskFor(stage types.Stage) string {
	return StageRegistry[stage].Task
}
