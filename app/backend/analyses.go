package backend

import (
	"context"
)

// ListTools fetches the alignment tools known to the backend
func (c *client) ListTools(ctx context.Context) ([]Tool, error) {
	var res []Tool
	err := getJSON(ctx, c, c.apipath("tools"), &res, Fallbacks{
		Client: "tools listing rejected",
		Server: "backend failed to list tools",
	})
	return res, err
}

// SubmitAnalysis creates a new alignment job from the request
func (c *client) SubmitAnalysis(ctx context.Context, req AnalysisRequest) (Job, error) {
	var res Job
	err := postJSON(ctx, c, c.apipath("analyses"), req, &res, Fallbacks{
		Client: "analysis request rejected",
		Server: "backend failed to accept analysis",
	})
	return res, err
}
