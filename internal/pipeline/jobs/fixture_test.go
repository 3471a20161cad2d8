package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/geocode"
	"github.com/jonathan/event-importer/internal/pipeline"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

type fixture struct {
	st      *store.Memory
	rec     *queue.Recorder
	tr      *pipeline.Transitioner
	h       *Handlers
	dataset *types.Dataset
	file    *types.ImportFile
}

func externalDataset() *types.Dataset {
	return &types.Dataset{
		ID:         "ds",
		IDStrategy: &types.IDStrategy{Type: types.IDStrategyExternal, ExternalIDPath: "id"},
	}
}

// newFixture stores dataset and a CSV file made of lines.
func newFixture(t *testing.T, dataset *types.Dataset, batchSize int, lines ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	st := store.NewMemory()
	require.NoError(t, st.CreateDataset(ctx, dataset))
	file := &types.ImportFile{DatasetID: dataset.ID, Filename: "events.csv", Path: path}
	require.NoError(t, st.CreateImportFile(ctx, file))

	rec := &queue.Recorder{}
	tr := pipeline.NewTransitioner(rec, st, pipeline.TransitionerOptions{})
	h := New(Deps{Store: st, Queue: rec, Transitioner: tr, BatchSize: batchSize})

	return &fixture{st: st, rec: rec, tr: tr, h: h, dataset: dataset, file: file}
}

// newJob stores an import job at stage after applying edit.
func (f *fixture) newJob(t *testing.T, stage types.Stage, edit func(*types.ImportJob)) *types.ImportJob {
	t.Helper()
	job := &types.ImportJob{Stage: stage, DatasetID: f.dataset.ID, ImportFileID: f.file.ID}
	if edit != nil {
		edit(job)
	}
	require.NoError(t, f.st.CreateImportJob(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id string) *types.ImportJob {
	t.Helper()
	job, err := f.st.GetImportJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) tasks() []string {
	var tasks []string
	for _, job := range f.rec.Jobs() {
		tasks = append(tasks, job.Task)
	}
	return tasks
}

func (f *fixture) events(t *testing.T, jobID string) []*types.Event {
	t.Helper()
	events, err := f.st.ListEvents(context.Background(), store.EventFilter{ImportJobID: jobID}, 0, 0)
	require.NoError(t, err)
	return events
}

// fakeGeocoder answers from a fixed table and counts lookups.
type fakeGeocoder struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]*types.GeocodingResult
	errs    map[string]error
}

func (g *fakeGeocoder) Geocode(_ context.Context, address string) (*types.GeocodingResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[address]++
	if err, ok := g.errs[address]; ok {
		return nil, err
	}
	if res, ok := g.results[address]; ok {
		return res, nil
	}
	return nil, geocode.ErrNoResult
}
