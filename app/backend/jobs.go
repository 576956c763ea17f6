package backend

import (
	"context"
)

// ListJobs fetches one page of jobs, newest-first, narrowed by q
func (c *client) ListJobs(ctx context.Context, page, perPage int, q JobsQuery) (Page[Job], error) {
	vals := pageQuery(page, perPage)
	if q.Source != "" {
		vals.Set("source", q.Source)
	}
	if q.Tool != "" {
		vals.Set("tool", q.Tool)
	}
	if q.Status != "" {
		vals.Set("status", q.Status)
	}
	if q.From != "" {
		vals.Set("from", q.From)
	}
	if q.To != "" {
		vals.Set("to", q.To)
	}

	var res Page[Job]
	err := getJSON(ctx, c, c.apipath("jobs")+"?"+vals.Encode(), &res, Fallbacks{
		Client: "jobs listing rejected",
		Server: "backend failed to list jobs",
	})
	return res, err
}

// GetJob fetches a single job by id
func (c *client) GetJob(ctx context.Context, id string) (Job, error) {
	var res Job
	err := getJSON(ctx, c, c.apipath("jobs", id), &res, Fallbacks{
		Client: "job not found",
		Server: "backend failed to fetch job",
	})
	return res, err
}

// CancelJob asks the backend to cancel a job. Canceled jobs come back with
// status ERROR and an explanatory exit message.
func (c *client) CancelJob(ctx context.Context, id string) (Job, error) {
	var res Job
	err := postJSON[Job](ctx, c, c.apipath("jobs", id, "cancel"), nil, &res, Fallbacks{
		Client: "job can't be canceled",
		Server: "backend failed to cancel job",
	})
	return res, err
}
