package types

import "time"

// Validation statuses of an Event.
const (
	ValidationPending     = "pending"
	ValidationTransformed = "transformed"
)

// Event is a single normalized output record.
type Event struct {
	ID               string           `json:"id"`
	DatasetID        string           `json:"datasetId"`
	ImportJobID      string           `json:"importJobId"`
	UniqueID         string           `json:"uniqueId"`
	ContentHash      string           `json:"contentHash,omitempty"`
	Data             Row              `json:"data"`
	ValidationStatus string           `json:"validationStatus"`
	Transformations  []FieldChange    `json:"transformations"`
	Geocoding        *GeocodingResult `json:"geocoding,omitempty"`
	Location         *Coordinates     `json:"location,omitempty"`
	RowNumber        int              `json:"rowNumber"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// FieldChange records one field-level change made by a transformation rule.
type FieldChange struct {
	Path     string `json:"path"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
	RuleID   string `json:"ruleId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeocodingResult is the location resolved for one row.
type GeocodingResult struct {
	Coordinates
	Provider          string  `json:"provider"`
	Confidence        float64 `json:"confidence"`
	NormalizedAddress string  `json:"normalizedAddress,omitempty"`
	// Source is "geocoded" or "provided" when the row already had coordinates.
	Source string `json:"source"`
}
