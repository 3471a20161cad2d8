package schemas

import (
	"sort"

	"github.com/jonathan/event-importer/internal/types"
)

// Schema change kinds.
const (
	ChangeAdded       = "added"
	ChangeRemoved     = "removed"
	ChangeTypeChanged = "type_changed"
)

// Compare lists how detected differs from stored, sorted by field. Added
// fields are non-breaking. Removed fields and type changes are breaking,
// except a change away from a field that was only ever null. A field that is
// entirely null in detected keeps its stored type.
func Compare(stored, detected map[string]types.FieldMetadata) []types.SchemaChange {
	var changes []types.SchemaChange
	for field, meta := range detected {
		old, ok := stored[field]
		switch {
		case !ok:
			changes = append(changes, types.SchemaChange{Field: field, Kind: ChangeAdded, NewType: meta.Type})
		case meta.Type != old.Type && meta.Type != types.FieldTypeNull:
			changes = append(changes, types.SchemaChange{
				Field:    field,
				Kind:     ChangeTypeChanged,
				OldType:  old.Type,
				NewType:  meta.Type,
				Breaking: old.Type != types.FieldTypeNull,
			})
		}
	}
	for field, old := range stored {
		if _, ok := detected[field]; !ok {
			changes = append(changes, types.SchemaChange{Field: field, Kind: ChangeRemoved, OldType: old.Type, Breaking: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

// RequiresApproval decides whether changes must wait for a person.
func RequiresApproval(changes []types.SchemaChange, cfg types.SchemaConfig) bool {
	if len(changes) == 0 {
		return false
	}
	if cfg.Locked {
		return true
	}
	for _, c := range changes {
		if c.Breaking {
			return true
		}
	}
	return !cfg.AutoApproveNonBreaking
}
