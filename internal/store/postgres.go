package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/event-importer/internal/types"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres stores each record as a JSONB document next to the columns
// that are queried or constrained.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, now: time.Now}, nil
}

// Close closes the connection pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the tables and indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func getDoc[T any](ctx context.Context, p *Postgres, query, id, what string) (*T, error) {
	var doc []byte
	if err := p.pool.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		return nil, translate(err, what)
	}
	var out T
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return &out, nil
}

// CreateDataset inserts ds, assigning an ID when empty.
func (p *Postgres) CreateDataset(ctx context.Context, ds *types.Dataset) error {
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO datasets (id, doc) VALUES ($1, $2)`, ds.ID, doc)
	return translate(err, "dataset "+ds.ID)
}

// GetDataset loads a dataset by ID.
func (p *Postgres) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	return getDoc[types.Dataset](ctx, p, `SELECT doc FROM datasets WHERE id = $1`, id, "dataset "+id)
}

// UpdateDataset replaces a dataset document.
func (p *Postgres) UpdateDataset(ctx context.Context, ds *types.Dataset) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE datasets SET doc = $2, updated_at = NOW() WHERE id = $1`, ds.ID, doc)
	if err != nil {
		return translate(err, "dataset "+ds.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dataset %s: %w", ds.ID, ErrNotFound)
	}
	return nil
}

// CreateImportFile inserts f, assigning an ID and timestamp when empty.
func (p *Postgres) CreateImportFile(ctx context.Context, f *types.ImportFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = p.now()
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal import file: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO import_files (id, dataset_id, doc, created_at) VALUES ($1, $2, $3, $4)`,
		f.ID, f.DatasetID, doc, f.CreatedAt,
	)
	return translate(err, "import file "+f.ID)
}

// GetImportFile loads an import file by ID.
func (p *Postgres) GetImportFile(ctx context.Context, id string) (*types.ImportFile, error) {
	return getDoc[types.ImportFile](ctx, p, `SELECT doc FROM import_files WHERE id = $1`, id, "import file "+id)
}

// CreateImportJob inserts job, assigning an ID and timestamps when empty.
func (p *Postgres) CreateImportJob(ctx context.Context, job *types.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := p.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal import job: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, dataset_id, stage, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		job.ID, job.DatasetID, string(job.Stage), doc, job.CreatedAt,
	)
	return translate(err, "import job "+job.ID)
}

// GetImportJob loads an import job by ID.
func (p *Postgres) GetImportJob(ctx context.Context, id string) (*types.ImportJob, error) {
	return getDoc[types.ImportJob](ctx, p, `SELECT doc FROM import_jobs WHERE id = $1`, id, "import job "+id)
}

// UpdateImportJob replaces an import job document and bumps UpdatedAt.
func (p *Postgres) UpdateImportJob(ctx context.Context, job *types.ImportJob) error {
	job.UpdatedAt = p.now()
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal import job: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE import_jobs SET stage = $2, doc = $3, updated_at = $4 WHERE id = $1`,
		job.ID, string(job.Stage), doc, job.UpdatedAt,
	)
	if err != nil {
		return translate(err, "import job "+job.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// AdvanceImportJob replaces the job document only while the stored stage is
// still from, so two writers racing on the same edge cannot both win.
func (p *Postgres) AdvanceImportJob(ctx context.Context, job *types.ImportJob, from types.Stage) error {
	updatedAt := p.now()
	previous := job.UpdatedAt
	job.UpdatedAt = updatedAt
	doc, err := json.Marshal(job)
	if err != nil {
		job.UpdatedAt = previous
		return fmt.Errorf("failed to marshal import job: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE import_jobs SET stage = $2, doc = $3, updated_at = $4 WHERE id = $1 AND stage = $5`,
		job.ID, string(job.Stage), doc, updatedAt, string(from),
	)
	if err != nil {
		job.UpdatedAt = previous
		return translate(err, "import job "+job.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	job.UpdatedAt = previous
	var stage string
	if err := p.pool.QueryRow(ctx, `SELECT stage FROM import_jobs WHERE id = $1`, job.ID).Scan(&stage); err != nil {
		return translate(err, "import job "+job.ID)
	}
	return fmt.Errorf("import job %s is at %s, expected %s: %w", job.ID, stage, from, ErrStageConflict)
}

// CreateEvent inserts e. The (dataset_id, unique_id) index turns a repeat into ErrDuplicate.
func (p *Postgres) CreateEvent(ctx context.Context, e *types.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.now()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO events (id, dataset_id, import_job_id, unique_id, row_number, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.DatasetID, e.ImportJobID, e.UniqueID, e.RowNumber, doc, e.CreatedAt,
	)
	return translate(err, "event "+e.UniqueID)
}

func (f EventFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.DatasetID != "" {
		args = append(args, f.DatasetID)
		clauses = append(clauses, fmt.Sprintf("dataset_id = $%d", len(args)))
	}
	if f.ImportJobID != "" {
		args = append(args, f.ImportJobID)
		clauses = append(clauses, fmt.Sprintf("import_job_id = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountEvents counts events matching filter.
func (p *Postgres) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filter.where()
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n); err != nil {
		return 0, translate(err, "count events")
	}
	return n, nil
}

// EventExists looks up an event by dataset and unique ID.
func (p *Postgres) EventExists(ctx context.Context, datasetID, uniqueID string) (string, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`SELECT id FROM events WHERE dataset_id = $1 AND unique_id = $2`,
		datasetID, uniqueID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err, "event "+uniqueID)
	}
	return id, true, nil
}

// ListEvents returns events matching filter ordered by creation time then row number.
func (p *Postgres) ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*types.Event, error) {
	where, args := filter.where()
	query := `SELECT doc FROM events` + where + ` ORDER BY created_at, row_number, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list events")
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e types.Event
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// CreateSchemaVersion inserts v; a repeated (dataset, version) pair is ErrDuplicate.
func (p *Postgres) CreateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal schema version: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO schema_versions (id, dataset_id, version, doc) VALUES ($1, $2, $3, $4)`,
		v.ID, v.DatasetID, v.Version, doc,
	)
	return translate(err, fmt.Sprintf("schema version %d of dataset %s", v.Version, v.DatasetID))
}
