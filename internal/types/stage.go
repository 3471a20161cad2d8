// Package types provides the data model shared by the import pipeline:
// import jobs, datasets and their ID/transformation configuration, and events.
//
//nolint:revive // types is a standard Go package name pattern
package types

// Stage is a processing stage of an ImportJob.
type Stage string

// Processing stages, in pipeline order.
const (
	StageAnalyzeDuplicates   Stage = "analyze-duplicates"
	StageDetectSchema        Stage = "detect-schema"
	StageValidateSchema      Stage = "validate-schema"
	StageAwaitApproval       Stage = "await-approval"
	StageCreateSchemaVersion Stage = "create-schema-version"
	StageGeocodeBatch        Stage = "geocode-batch"
	StageCreateEvents        Stage = "create-events"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// AllStages lists every stage in pipeline order.
var AllStages = []Stage{
	StageAnalyzeDuplicates,
	StageDetectSchema,
	StageValidateSchema,
	StageAwaitApproval,
	StageCreateSchemaVersion,
	StageGeocodeBatch,
	StageCreateEvents,
	StageCompleted,
	StageFailed,
}

// IsTerminal reports whether no further work follows the stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }
