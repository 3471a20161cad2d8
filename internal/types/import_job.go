package types

import "time"

// ImportJob is one unit of pipeline work for a single import file.
type ImportJob struct {
	ID           string `json:"id"`
	Stage        Stage  `json:"stage"`
	DatasetID    string `json:"datasetId"`
	ImportFileID string `json:"importFileId"`
	SheetIndex   int    `json:"sheetIndex"`

	Duplicates Duplicates `json:"duplicates"`
	Progress   Progress   `json:"progress"`
	Results    *Results   `json:"results,omitempty"`

	// Schema detection output.
	DetectedSchema map[string]any           `json:"detectedSchema,omitempty"`
	FieldMetadata  map[string]FieldMetadata `json:"fieldMetadata,omitempty"`
	SchemaChanges  []SchemaChange           `json:"schemaChanges,omitempty"`
	Approved       bool                     `json:"approved"`

	// Geocoding results keyed by row index.
	GeocodingResults map[int]GeocodingResult `json:"geocodingResults,omitempty"`

	Errors   []RowError `json:"errors,omitempty"`
	ErrorLog string     `json:"errorLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Duplicates records the rows found to be duplicates during analysis.
type Duplicates struct {
	Internal []DuplicateRow   `json:"internal"`
	External []DuplicateRow   `json:"external"`
	Summary  DuplicateSummary `json:"summary"`
}

// DuplicateRow identifies one duplicate row.
type DuplicateRow struct {
	RowNumber int    `json:"rowNumber"`
	UniqueID  string `json:"uniqueId"`
	// FirstOccurrence is the row the duplicate repeats (internal duplicates only).
	FirstOccurrence int `json:"firstOccurrence,omitempty"`
	// ExistingEventID is the persisted event the row matches (external duplicates only).
	ExistingEventID string `json:"existingEventId,omitempty"`
}

// DuplicateSummary aggregates duplicate counts.
type DuplicateSummary struct {
	TotalRows          int `json:"totalRows"`
	UniqueRows         int `json:"uniqueRows"`
	InternalDuplicates int `json:"internalDuplicates"`
	ExternalDuplicates int `json:"externalDuplicates"`
}

// Skipped returns the number of rows create-events will skip.
func (s DuplicateSummary) Skipped() int {
	return s.InternalDuplicates + s.ExternalDuplicates
}

// SkipRows returns the row numbers recorded in either duplicate list.
// Rows are matched by number, not unique ID: an internal duplicate shares
// its ID with the first occurrence, which must still be imported.
func (d Duplicates) SkipRows() map[int]struct{} {
	skip := make(map[int]struct{}, len(d.Internal)+len(d.External))
	for _, row := range d.Internal {
		skip[row.RowNumber] = struct{}{}
	}
	for _, row := range d.External {
		skip[row.RowNumber] = struct{}{}
	}
	return skip
}

// StageProgress counts work done in one stage.
type StageProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Progress holds per-stage counters plus create-events tallies.
type Progress struct {
	Stages        map[Stage]StageProgress `json:"stages,omitempty"`
	EventsCreated int                     `json:"eventsCreated"`
	EventsSkipped int                     `json:"eventsSkipped"`
	Errors        int                     `json:"errors"`
	BatchNumber   int                     `json:"batchNumber"`
}

// Set records progress for a stage.
func (p *Progress) Set(stage Stage, current, total int) {
	if p.Stages == nil {
		p.Stages = make(map[Stage]StageProgress)
	}
	p.Stages[stage] = StageProgress{Current: current, Total: total}
}

// Results are the final totals of a completed import.
type Results struct {
	TotalEvents       int       `json:"totalEvents"`
	DuplicatesSkipped int       `json:"duplicatesSkipped"`
	Geocoded          int       `json:"geocoded"`
	Errors            int       `json:"errors"`
	CompletedAt       time.Time `json:"completedAt"`
}

// RowError is a per-row failure recorded without aborting the batch.
type RowError struct {
	Row   int    `json:"row"`
	Stage Stage  `json:"stage"`
	Error string `json:"error"`
}

// SchemaChange describes a difference between the detected and the stored schema.
type SchemaChange struct {
	Field    string `json:"field"`
	Kind     string `json:"kind"` // added, removed, type_changed
	OldType  string `json:"oldType,omitempty"`
	NewType  string `json:"newType,omitempty"`
	Breaking bool   `json:"breaking"`
}
