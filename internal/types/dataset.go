package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// IDStrategyType discriminates the IDStrategy union.
type IDStrategyType string

// ID strategy variants.
const (
	IDStrategyExternal IDStrategyType = "external"
	IDStrategyComputed IDStrategyType = "computed"
	IDStrategyAuto     IDStrategyType = "auto"
	IDStrategyHybrid   IDStrategyType = "hybrid"
)

// IDStrategy configures how a stable identifier is derived for each row.
// Which fields are meaningful depends on Type:
//   - external: ExternalIDPath
//   - computed: ComputedIDFields
//   - auto: none
//   - hybrid: ExternalIDPath and ComputedIDFields
type IDStrategy struct {
	Type              IDStrategyType  `json:"type" validate:"required,oneof=external computed auto hybrid"`
	ExternalIDPath    string          `json:"externalIdPath,omitempty" validate:"required_if=Type external,required_if=Type hybrid"`
	ComputedIDFields  []ComputedField `json:"computedIdFields,omitempty" validate:"required_if=Type computed,required_if=Type hybrid,dive"`
	DuplicateStrategy string          `json:"duplicateStrategy,omitempty" validate:"omitempty,oneof=skip update version"`
}

// ComputedField is one input of a computed ID.
type ComputedField struct {
	FieldPath string `json:"fieldPath" validate:"required"`
}

// SchemaConfig holds schema evolution switches for a dataset.
type SchemaConfig struct {
	AllowTransformations bool `json:"allowTransformations"`
	// AutoApproveNonBreaking skips await-approval when only additive changes are detected.
	AutoApproveNonBreaking bool `json:"autoApproveNonBreaking"`
	// Locked requires approval for any schema change.
	Locked bool `json:"locked"`
}

// Transform strategies.
const (
	TransformParse  = "parse"
	TransformCast   = "cast"
	TransformCustom = "custom"
	TransformReject = "reject"
)

// Field types understood by transformation rules.
const (
	FieldTypeString  = "string"
	FieldTypeNumber  = "number"
	FieldTypeBoolean = "boolean"
	FieldTypeDate    = "date"
	FieldTypeArray   = "array"
	FieldTypeObject  = "object"
	FieldTypeNull    = "null"
)

// TransformRule coerces the value at FieldPath from FromType to ToType.
type TransformRule struct {
	ID                string `json:"id,omitempty"`
	FieldPath         string `json:"fieldPath" validate:"required"`
	FromType          string `json:"fromType" validate:"required,oneof=string number boolean date array object null"`
	ToType            string `json:"toType" validate:"required,oneof=string number boolean date array object null"`
	TransformStrategy string `json:"transformStrategy" validate:"required,oneof=parse cast custom reject"`
	// CustomTransform names a registered transform function (custom strategy only).
	CustomTransform string `json:"customTransform,omitempty" validate:"required_if=TransformStrategy custom"`
	Enabled         bool   `json:"enabled"`
}

// GeoFieldMapping names the row fields that carry location data.
type GeoFieldMapping struct {
	Address   string `json:"address,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// FieldMetadata is per-field statistics gathered by schema detection.
type FieldMetadata struct {
	Type        string   `json:"type"`
	Types       []string `json:"types,omitempty"`
	Occurrences int      `json:"occurrences"`
	NullCount   int      `json:"nullCount"`
	UniqueCount int      `json:"uniqueCount"`
	Samples     []any    `json:"samples,omitempty"`
}

// Dataset is the schema and identity configuration for a logical data source.
type Dataset struct {
	ID                  string                   `json:"id" validate:"required"`
	Name                string                   `json:"name"`
	IDStrategy          *IDStrategy              `json:"idStrategy"`
	SchemaConfig        SchemaConfig             `json:"schemaConfig"`
	TypeTransformations []TransformRule          `json:"typeTransformations,omitempty" validate:"dive"`
	FieldMetadata       map[string]FieldMetadata `json:"fieldMetadata,omitempty"`
	GeoFieldMapping     GeoFieldMapping          `json:"geoFieldMapping"`
	// Schema is the current JSON Schema of the dataset, if any version exists.
	Schema        map[string]any `json:"schema,omitempty"`
	SchemaVersion int            `json:"schemaVersion"`
}

// EnabledTransformations returns the rules with Enabled set, in order.
func (d *Dataset) EnabledTransformations() []TransformRule {
	var enabled []TransformRule
	for _, rule := range d.TypeTransformations {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled
}

// Validate validates the dataset configuration using the validator.
func (d *Dataset) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid dataset %s: %w", d.ID, err)
	}
	return nil
}

// SchemaVersion is an approved snapshot of a dataset schema.
type SchemaVersion struct {
	ID          string         `json:"id"`
	DatasetID   string         `json:"datasetId"`
	Version     int            `json:"version"`
	Schema      map[string]any `json:"schema"`
	ImportJobID string         `json:"importJobId"`
	Changes     []SchemaChange `json:"changes,omitempty"`
}
