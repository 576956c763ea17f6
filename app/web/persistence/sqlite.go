package persistence

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/service/request"
)

// timeLayout is fixed-width UTC so stored strings compare lexicographically
// the same way the times order
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// TransitionRow is one observed status change
type TransitionRow struct {
	ID          int64
	JobID       string
	Title       string
	Tool        string
	SourceID    string
	From        backend.JobStatus
	Status      backend.JobStatus
	ExitMessage string
	CreatedAt   time.Time // job creation time as reported by the backend
	UpdatedAt   time.Time // update time carried by the observed event
	RecordedAt  time.Time // when the dashboard saw the transition
}

// UploadRow is one delivered upload
type UploadRow struct {
	ID         int64
	ArtifactID string
	Name       string
	Size       int64
	Kind       string
	UploadedAt time.Time
}

// scan records with TEXT timestamps, converted at the package boundary
type transitionRecord struct {
	ID          int64  `db:"id"`
	JobID       string `db:"job_id"`
	Title       string `db:"title"`
	Tool        string `db:"tool"`
	SourceID    string `db:"source_id"`
	FromStatus  string `db:"from_status"`
	Status      string `db:"status"`
	ExitMessage string `db:"exit_message"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
	RecordedAt  string `db:"recorded_at"`
}

func (r transitionRecord) toRow() TransitionRow {
	return TransitionRow{
		ID:          r.ID,
		JobID:       r.JobID,
		Title:       r.Title,
		Tool:        r.Tool,
		SourceID:    r.SourceID,
		From:        backend.JobStatus(r.FromStatus),
		Status:      backend.JobStatus(r.Status),
		ExitMessage: r.ExitMessage,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
		RecordedAt:  parseTime(r.RecordedAt),
	}
}

type uploadRecord struct {
	ID         int64  `db:"id"`
	ArtifactID string `db:"artifact_id"`
	Name       string `db:"name"`
	Size       int64  `db:"size"`
	Kind       string `db:"kind"`
	UploadedAt string `db:"uploaded_at"`
}

func (r uploadRecord) toRow() UploadRow {
	return UploadRow{
		ID:         r.ID,
		ArtifactID: r.ArtifactID,
		Name:       r.Name,
		Size:       r.Size,
		Kind:       r.Kind,
		UploadedAt: parseTime(r.UploadedAt),
	}
}

// Store implements the journal on SQLite
type Store struct {
	db *sqlx.DB
}

// NewStore opens the journal database and switches it to WAL mode
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	return &Store{db: db}, nil
}

// Initialize creates the journal schema
func (s *Store) Initialize(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			title TEXT DEFAULT '',
			tool TEXT DEFAULT '',
			source_id TEXT DEFAULT '',
			from_status TEXT DEFAULT '',
			status TEXT NOT NULL,
			exit_message TEXT DEFAULT '',
			created_at TEXT DEFAULT '',
			updated_at TEXT DEFAULT '',
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			artifact_id TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER DEFAULT 0,
			kind TEXT DEFAULT '',
			uploaded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_recorded_at ON transitions(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_uploaded_at ON uploads(uploaded_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// RecordTransition appends one observed status change to the journal
func (s *Store) RecordTransition(ctx context.Context, req request.RecordTransition) error {
	rec := transitionRecord{
		JobID:       req.JobID,
		Title:       req.Title,
		Tool:        req.Tool,
		SourceID:    req.SourceID,
		FromStatus:  string(req.From),
		Status:      string(req.Status),
		ExitMessage: req.ExitMessage,
		CreatedAt:   fmtTime(req.CreatedAt),
		UpdatedAt:   fmtTime(req.UpdatedAt),
		RecordedAt:  fmtTime(time.Now()),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transitions
		(job_id, title, tool, source_id, from_status, status, exit_message, created_at, updated_at, recorded_at)
		VALUES (:job_id, :title, :tool, :source_id, :from_status, :status, :exit_message, :created_at, :updated_at, :recorded_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("failed to record transition for job %s: %w", req.JobID, err)
	}
	return nil
}

// JobHistory returns observed transitions for one job, newest first
func (s *Store) JobHistory(ctx context.Context, jobID string, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []transitionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, job_id, title, tool, source_id, from_status, status, exit_message, created_at, updated_at, recorded_at
		FROM transitions WHERE job_id = ? ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for job %s: %w", jobID, err)
	}
	return toRows(recs), nil
}

// RecentActivity returns the latest observed transitions across all jobs,
// newest first
func (s *Store) RecentActivity(ctx context.Context, since time.Time, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []transitionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, job_id, title, tool, source_id, from_status, status, exit_message, created_at, updated_at, recorded_at
		FROM transitions WHERE recorded_at >= ? ORDER BY id DESC LIMIT ?`, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent activity: %w", err)
	}
	return toRows(recs), nil
}

// RecentTransitions returns terminal transitions observed since the given
// time in chronological order, the digest input
func (s *Store) RecentTransitions(ctx context.Context, since time.Time) ([]TransitionRow, error) {
	var recs []transitionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, job_id, title, tool, source_id, from_status, status, exit_message, created_at, updated_at, recorded_at
		FROM transitions WHERE recorded_at >= ? AND status IN (?, ?) ORDER BY id`,
		fmtTime(since), string(backend.StatusSuccess), string(backend.StatusError))
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions since %s: %w", since.Format(time.RFC3339), err)
	}
	return toRows(recs), nil
}

// RecordUpload appends one delivered upload to the journal
func (s *Store) RecordUpload(ctx context.Context, req request.RecordUpload) error {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	rec := uploadRecord{
		ArtifactID: req.ArtifactID,
		Name:       req.Name,
		Size:       req.Size,
		Kind:       req.Kind,
		UploadedAt: fmtTime(at),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO uploads (artifact_id, name, size, kind, uploaded_at)
		VALUES (:artifact_id, :name, :size, :kind, :uploaded_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record upload %s: %w", req.Name, err)
	}
	return nil
}

// RecentUploads returns the latest delivered uploads, newest first
func (s *Store) RecentUploads(ctx context.Context, limit int) ([]UploadRow, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []uploadRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, artifact_id, name, size, kind, uploaded_at
		FROM uploads ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent uploads: %w", err)
	}

	res := make([]UploadRow, 0, len(recs))
	for _, r := range recs {
		res = append(res, r.toRow())
	}
	return res, nil
}

// Cleanup drops journal entries older than the retention period
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) error {
	cutoff := fmtTime(time.Now().Add(-olderThan))

	trRes, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup transitions: %w", err)
	}
	upRes, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE uploaded_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup uploads: %w", err)
	}

	transitions, _ := trRes.RowsAffected()
	uploads, _ := upRes.RowsAffected()
	if transitions > 0 || uploads > 0 {
		log.Printf("[DEBUG] journal cleanup removed %d transitions, %d uploads", transitions, uploads)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func toRows(recs []transitionRecord) []TransitionRow {
	res := make([]TransitionRow, 0, len(recs))
	for _, r := range recs {
		res = append(res, r.toRow())
	}
	return res
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		log.Printf("[WARN] invalid journal timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}
