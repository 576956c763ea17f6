// Package backend is the REST client for the alignment backend. It adds
// JSON/multipart handling and uniform errors on top of http.Client, one
// method per backend endpoint. The client never retries on its own, retry
// policy belongs to the callers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the alignment backend
type Client interface {
	UploadArtifact(ctx context.Context, name, kind string, r io.Reader) (Artifact, error)
	ListArtifacts(ctx context.Context, page, perPage int, kind string) (Page[Artifact], error)
	GetArtifact(ctx context.Context, id string) (Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error
	ArtifactContent(ctx context.Context, id string) (io.ReadCloser, string, error)

	ListTools(ctx context.Context) ([]Tool, error)
	SubmitAnalysis(ctx context.Context, req AnalysisRequest) (Job, error)

	ListJobs(ctx context.Context, page, perPage int, q JobsQuery) (Page[Job], error)
	GetJob(ctx context.Context, id string) (Job, error)
	CancelJob(ctx context.Context, id string) (Job, error)

	Health(ctx context.Context) (Health, error)

	// EventsURL is the SSE endpoint streaming job updates
	EventsURL() string
}

// Config for the backend client
type Config struct {
	BaseURL string        // backend base URL, http or https
	Timeout time.Duration // per-call timeout, 10s if zero
	Client  *http.Client  // optional, made from Timeout if nil
}

type client struct {
	base   string
	http   *http.Client // regular calls, hard timeout
	stream *http.Client // uploads and downloads, bounded by ctx only
}

// New creates a backend client for the given base URL
func New(cfg Config) (Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported backend url scheme %q, must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q has no host", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &client{
		base:   strings.TrimRight(u.String(), "/"),
		http:   httpClient,
		stream: &http.Client{}, // no global timeout, large transfers take what they take
	}, nil
}

// apipath joins path elements under /api/v1, escaping each element
func (c *client) apipath(elems ...string) string {
	escaped := make([]string, 0, len(elems))
	for _, e := range elems {
		escaped = append(escaped, url.PathEscape(e))
	}
	return c.base + "/api/v1/" + strings.Join(escaped, "/")
}

func (c *client) EventsURL() string { return c.apipath("jobs", "events") }

// getJSON performs GET and decodes the 2xx body into v
func getJSON[T any](ctx context.Context, c *client, rawURL string, v *T, fb Fallbacks) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("can't make request for %s: %w", rawURL, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend call failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response
	return decodeJSON(resp, v, fb)
}

// postJSON performs POST with a JSON body and decodes the 2xx response into v
func postJSON[T any](ctx context.Context, c *client, rawURL string, body any, v *T, fb Fallbacks) error {
	var rdr io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("can't encode request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, rdr)
	if err != nil {
		return fmt.Errorf("can't make request for %s: %w", rawURL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend call failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response
	return decodeJSON(resp, v, fb)
}

// pageQuery builds the common pagination query values
func pageQuery(page, perPage int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	return q
}
