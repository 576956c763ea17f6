// Package request contains request types for job event handlers
package request

import (
	"time"

	"github.com/alnlab/alignview/app/backend"
)

// OnJobUpdate contains parameters for a live job update event
type OnJobUpdate struct {
	Job           backend.Job
	Previous      backend.JobStatus
	Accepted      bool // false when the update was stale and discarded
	StatusChanged bool
}

// RecordTransition contains parameters for journaling a status transition
type RecordTransition struct {
	JobID       string
	Title       string
	Tool        string
	SourceID    string
	From        backend.JobStatus
	Status      backend.JobStatus
	ExitMessage string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecordUpload contains parameters for journaling a delivered upload
type RecordUpload struct {
	ArtifactID string
	Name       string
	Size       int64
	Kind       string
	At         time.Time
}
