package backend

import (
	"fmt"
	"strings"

	"github.com/alnlab/alignview/app/rfctime"
)

// JobStatus is the lifecycle state reported by the backend,
// PENDING -> RUNNING -> SUCCESS | ERROR
type JobStatus string

// known job statuses
const (
	StatusPending JobStatus = "PENDING"
	StatusRunning JobStatus = "RUNNING"
	StatusSuccess JobStatus = "SUCCESS"
	StatusError   JobStatus = "ERROR"
)

// ParseJobStatus converts a string to JobStatus, case-insensitive
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusError:
		return StatusError, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status is final
func (s JobStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// IsActive reports whether the job is still moving
func (s JobStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Artifact is an uploaded or generated file tracked by the backend
type Artifact struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"` // "source" or "result"
	Size      int64           `json:"size"`
	CreatedAt rfctime.RFC3339 `json:"created_at"`
}

// Tool describes an alignment tool available on the backend
type Tool struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// AnalysisRequest is the submission payload for a new alignment job
type AnalysisRequest struct {
	SourceID string            `json:"source_id"`
	Tool     string            `json:"tool"`
	Title    string            `json:"title,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Job is a unit of alignment work tracked by the backend. UpdatedAt, StartedAt
// and FinishedAt are optional, zero value means the backend didn't report them.
type Job struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	SourceID    string          `json:"source_id,omitempty"`
	SourceName  string          `json:"source_name,omitempty"`
	Status      JobStatus       `json:"status,omitempty"`
	CreatedAt   rfctime.RFC3339 `json:"created_at,omitzero"`
	UpdatedAt   rfctime.RFC3339 `json:"updated_at,omitzero"`
	StartedAt   rfctime.RFC3339 `json:"started_at,omitzero"`
	FinishedAt  rfctime.RFC3339 `json:"finished_at,omitzero"`
	ExitMessage string          `json:"exit_message,omitempty"`
	OutputID    string          `json:"output_id,omitempty"`
}

// Health is the backend health report
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Page is a single page of a paginated listing
type Page[T any] struct {
	Items   []T `json:"items"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

// JobsQuery narrows the jobs listing on the server side. Zero fields are omitted.
// From/To are inclusive YYYY-MM-DD bounds on the creation date.
type JobsQuery struct {
	Source string
	Tool   string
	Status string
	From   string
	To     string
}
