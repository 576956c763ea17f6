package backend

import (
	"context"
)

// Health checks the backend health endpoint
func (c *client) Health(ctx context.Context) (Health, error) {
	var res Health
	err := getJSON(ctx, c, c.apipath("health"), &res, Fallbacks{
		Client: "health check rejected",
		Server: "backend unhealthy",
	})
	return res, err
}
