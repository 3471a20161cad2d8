package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/event-importer/internal/types"
)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	mu             sync.RWMutex
	datasets       map[string]*types.Dataset
	files          map[string]*types.ImportFile
	jobs           map[string]*types.ImportJob
	events         map[string]*types.Event
	eventsByUnique map[string]string
	schemaVersions map[string]*types.SchemaVersion
	now            func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		datasets:       make(map[string]*types.Dataset),
		files:          make(map[string]*types.ImportFile),
		jobs:           make(map[string]*types.ImportJob),
		events:         make(map[string]*types.Event),
		eventsByUnique: make(map[string]string),
		schemaVersions: make(map[string]*types.SchemaVersion),
		now:            time.Now,
	}
}

// copyOf deep-copies v through its JSON form.
func copyOf[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: record not encodable: %v", err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: record not decodable: %v", err))
	}
	return &out
}

func uniqueKey(datasetID, uniqueID string) string {
	return datasetID + "\x00" + uniqueID
}

// CreateDataset stores ds, assigning an ID when empty.
func (m *Memory) CreateDataset(_ context.Context, ds *types.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if _, ok := m.datasets[ds.ID]; ok {
		return fmt.Errorf("dataset %s: %w", ds.ID, ErrDuplicate)
	}
	m.datasets[ds.ID] = copyOf(ds)
	return nil
}

// GetDataset returns the dataset with id.
func (m *Memory) GetDataset(_ context.Context, id string) (*types.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	return copyOf(ds), nil
}

// UpdateDataset replaces an existing dataset.
func (m *Memory) UpdateDataset(_ context.Context, ds *types.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[ds.ID]; !ok {
		return fmt.Errorf("dataset %s: %w", ds.ID, ErrNotFound)
	}
	m.datasets[ds.ID] = copyOf(ds)
	return nil
}

// CreateImportFile stores f, assigning an ID and timestamp when empty.
func (m *Memory) CreateImportFile(_ context.Context, f *types.ImportFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now()
	}
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("import file %s: %w", f.ID, ErrDuplicate)
	}
	m.files[f.ID] = copyOf(f)
	return nil
}

// GetImportFile returns the import file with id.
func (m *Memory) GetImportFile(_ context.Context, id string) (*types.ImportFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("import file %s: %w", id, ErrNotFound)
	}
	return copyOf(f), nil
}

// CreateImportJob stores job, assigning an ID and timestamps when empty.
func (m *Memory) CreateImportJob(_ context.Context, job *types.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("import job %s: %w", job.ID, ErrDuplicate)
	}
	m.jobs[job.ID] = copyOf(job)
	return nil
}

// GetImportJob returns the import job with id.
func (m *Memory) GetImportJob(_ context.Context, id string) (*types.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("import job %s: %w", id, ErrNotFound)
	}
	return copyOf(job), nil
}

// UpdateImportJob replaces an existing import job and bumps UpdatedAt.
func (m *Memory) UpdateImportJob(_ context.Context, job *types.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("import job %s: %w", job.ID, ErrNotFound)
	}
	job.UpdatedAt = m.now()
	m.jobs[job.ID] = copyOf(job)
	return nil
}

// AdvanceImportJob replaces job if the stored copy is still at from.
func (m *Memory) AdvanceImportJob(_ context.Context, job *types.ImportJob, from types.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("import job %s: %w", job.ID, ErrNotFound)
	}
	if stored.Stage != from {
		return fmt.Errorf("import job %s is at %s, expected %s: %w", job.ID, stored.Stage, from, ErrStageConflict)
	}
	job.UpdatedAt = m.now()
	m.jobs[job.ID] = copyOf(job)
	return nil
}

// CreateEvent stores e, rejecting a second event with the same dataset and unique ID.
func (m *Memory) CreateEvent(_ context.Context, e *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uniqueKey(e.DatasetID, e.UniqueID)
	if _, ok := m.eventsByUnique[key]; ok {
		return fmt.Errorf("event %s: %w", e.UniqueID, ErrDuplicate)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.events[e.ID] = copyOf(e)
	m.eventsByUnique[key] = e.ID
	return nil
}

func (f EventFilter) match(e *types.Event) bool {
	if f.DatasetID != "" && e.DatasetID != f.DatasetID {
		return false
	}
	if f.ImportJobID != "" && e.ImportJobID != f.ImportJobID {
		return false
	}
	return true
}

// CountEvents counts events matching filter.
func (m *Memory) CountEvents(_ context.Context, filter EventFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.events {
		if filter.match(e) {
			n++
		}
	}
	return n, nil
}

// EventExists looks up an event by dataset and unique ID.
func (m *Memory) EventExists(_ context.Context, datasetID, uniqueID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.eventsByUnique[uniqueKey(datasetID, uniqueID)]
	return id, ok, nil
}

// ListEvents returns events matching filter ordered by creation time then row number.
func (m *Memory) ListEvents(_ context.Context, filter EventFilter, limit, offset int) ([]*types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*types.Event
	for _, e := range m.events {
		if filter.match(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		if matched[i].RowNumber != matched[j].RowNumber {
			return matched[i].RowNumber < matched[j].RowNumber
		}
		return matched[i].ID < matched[j].ID
	})

	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*types.Event, len(matched))
	for i, e := range matched {
		out[i] = copyOf(e)
	}
	return out, nil
}

// CreateSchemaVersion stores v; a dataset cannot have two versions with the same number.
func (m *Memory) CreateSchemaVersion(_ context.Context, v *types.SchemaVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.schemaVersions {
		if existing.DatasetID == v.DatasetID && existing.Version == v.Version {
			return fmt.Errorf("schema version %d of dataset %s: %w", v.Version, v.DatasetID, ErrDuplicate)
		}
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	m.schemaVersions[v.ID] = copyOf(v)
	return nil
}

// SchemaVersions returns the stored versions of datasetID in version order.
func (m *Memory) SchemaVersions(datasetID string) []*types.SchemaVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.SchemaVersion
	for _, v := range m.schemaVersions {
		if v.DatasetID == datasetID {
			out = append(out, copyOf(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
