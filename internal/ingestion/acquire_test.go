package ingestion

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

type recordingStarter struct {
	started []*types.ImportJob
	err     error
}

func (s *recordingStarter) Start(_ context.Context, job *types.ImportJob) error {
	s.started = append(s.started, job)
	return s.err
}

func newTestAcquirer(t *testing.T, maxSize int64) (*Acquirer, *store.Memory, *recordingStarter) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateDataset(context.Background(), &types.Dataset{ID: "ds-1"}))
	starter := &recordingStarter{}
	a := NewAcquirer(AcquirerConfig{
		Store:       st,
		Fetcher:     fetch.NewCachedFetcher(fetch.CachedFetcherConfig{}),
		Starter:     starter,
		UploadDir:   t.TempDir(),
		MaxFileSize: maxSize,
	})
	return a, st, starter
}

func TestFromUpload_StoresFileAndStartsJob(t *testing.T) {
	a, st, starter := newTestAcquirer(t, 1024)
	ctx := context.Background()

	job, err := a.FromUpload(ctx, Upload{DatasetID: "ds-1", Filename: "events.csv", Body: strings.NewReader(sampleCSV)})
	require.NoError(t, err)

	assert.Equal(t, types.StageAnalyzeDuplicates, job.Stage)
	require.Len(t, starter.started, 1)
	assert.Equal(t, job.ID, starter.started[0].ID)

	file, err := st.GetImportFile(ctx, job.ImportFileID)
	require.NoError(t, err)
	assert.Equal(t, "events.csv", file.Filename)
	assert.True(t, strings.HasSuffix(file.Path, ".csv"))
	assert.Equal(t, int64(len(sampleCSV)), file.Size)
	assert.Len(t, file.Hash, 64)

	stored, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(stored))
}

func TestFromUpload_TooLarge(t *testing.T) {
	tests := []struct {
		name     string
		declared int64
	}{
		{"declared size", 4096},
		{"actual size", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, starter := newTestAcquirer(t, 16)

			_, err := a.FromUpload(context.Background(), Upload{
				DatasetID: "ds-1", Filename: "events.csv", Size: tt.declared, Body: strings.NewReader(sampleCSV),
			})
			require.ErrorIs(t, err, ErrFileTooLarge)
			assert.Contains(t, err.Error(), "exceeds maximum 16")
			assert.Empty(t, starter.started)
		})
	}
}

func TestFromUpload_UnsupportedMIMEType(t *testing.T) {
	a, _, starter := newTestAcquirer(t, 1024)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	_, err := a.FromUpload(context.Background(), Upload{DatasetID: "ds-1", Filename: "events.csv", Body: bytes.NewReader(png)})

	require.ErrorIs(t, err, ErrUnsupportedMIMEType)
	assert.Contains(t, err.Error(), "unsupported mime type: image/png")
	assert.Empty(t, starter.started)
}

func TestFromUpload_UnknownDataset(t *testing.T) {
	a, _, _ := newTestAcquirer(t, 1024)

	_, err := a.FromUpload(context.Background(), Upload{DatasetID: "missing", Filename: "events.csv", Body: strings.NewReader(sampleCSV)})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFromUpload_StartFailureReturnsJob(t *testing.T) {
	a, _, starter := newTestAcquirer(t, 1024)
	starter.err = errors.New("queue unavailable")

	job, err := a.FromUpload(context.Background(), Upload{DatasetID: "ds-1", Filename: "events.csv", Body: strings.NewReader(sampleCSV)})
	require.Error(t, err)
	require.NotNil(t, job)
	assert.Contains(t, err.Error(), "queue unavailable")
}

func TestFromURL_DownloadsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exports/events.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	a, st, starter := newTestAcquirer(t, 1024)
	ctx := context.Background()

	job, err := a.FromURL(ctx, URLImport{DatasetID: "ds-1", URL: srv.URL + "/exports/events.csv"})
	require.NoError(t, err)
	require.Len(t, starter.started, 1)

	file, err := st.GetImportFile(ctx, job.ImportFileID)
	require.NoError(t, err)
	assert.Equal(t, "events.csv", file.Filename)
	assert.Equal(t, srv.URL+"/exports/events.csv", file.SourceURL)
}

func TestFromURL_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a, _, _ := newTestAcquirer(t, 1024)

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"not found", srv.URL + "/missing.csv", "404"},
		{"bad scheme", "ftp://example.com/events.csv", "invalid URL"},
		{"no host", "https:///events.csv", "invalid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.FromURL(context.Background(), URLImport{DatasetID: "ds-1", URL: tt.url})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFromURL_TooLarge(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "declared length",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "4096")
				_, _ = w.Write(bytes.Repeat([]byte("a"), 4096))
			},
			want: "file size 4096 exceeds maximum 16",
		},
		{
			name: "streamed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				for i := 0; i < 64; i++ {
					if _, err := w.Write([]byte(sampleCSV)); err != nil {
						return
					}
					w.(http.Flusher).Flush()
				}
			},
			want: "file size exceeds maximum 16",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a, _, starter := newTestAcquirer(t, 16)

			_, err := a.FromURL(context.Background(), URLImport{DatasetID: "ds-1", URL: srv.URL + "/events.csv"})
			require.ErrorIs(t, err, ErrFileTooLarge)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, starter.started)
		})
	}
}
