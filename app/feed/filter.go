package feed

import (
	"github.com/alnlab/alignview/app/backend"
)

// Filter is a conjunction of exact matches on source file, tool and status,
// plus an inclusive date range on the creation date. Empty fields match
// everything. The date bounds are YYYY-MM-DD strings compared
// lexicographically against the date component of the job's creation time.
type Filter struct {
	SourceID string
	Tool     string
	Status   string
	DateFrom string
	DateTo   string
}

// IsZero reports whether the filter matches everything
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Matches reports whether the job satisfies every set condition
func (f Filter) Matches(j backend.Job) bool {
	if f.SourceID != "" && j.SourceID != f.SourceID {
		return false
	}
	if f.Tool != "" && j.Tool != f.Tool {
		return false
	}
	if f.Status != "" && string(j.Status) != f.Status {
		return false
	}
	if f.DateFrom != "" || f.DateTo != "" {
		d := j.CreatedAt.DateString()
		if d == "" {
			return false // no creation date, can't be inside a date range
		}
		if f.DateFrom != "" && d < f.DateFrom {
			return false
		}
		if f.DateTo != "" && d > f.DateTo {
			return false
		}
	}
	return true
}

// Query maps the filter to the server-side jobs query, so the base pages are
// fetched with the same conditions the live entries are checked against.
func (f Filter) Query() backend.JobsQuery {
	return backend.JobsQuery{
		Source: f.SourceID,
		Tool:   f.Tool,
		Status: f.Status,
		From:   f.DateFrom,
		To:     f.DateTo,
	}
}
