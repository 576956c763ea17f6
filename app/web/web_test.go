package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/config"
	"github.com/alnlab/alignview/app/feed"
	"github.com/alnlab/alignview/app/guard"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/rfctime"
	"github.com/alnlab/alignview/app/spool"
	"github.com/alnlab/alignview/app/web/enums"
)

// testBackend implements Backend with overridable call functions,
// nil functions return zero values
type testBackend struct {
	upload     func(name, kind string, r io.Reader) (backend.Artifact, error)
	listArts   func(page, perPage int, kind string) (backend.Page[backend.Artifact], error)
	getArt     func(id string) (backend.Artifact, error)
	deleteArt  func(id string) error
	artContent func(id string) (io.ReadCloser, string, error)
	listTools  func() ([]backend.Tool, error)
	submit     func(req backend.AnalysisRequest) (backend.Job, error)
	listJobs   func(page, perPage int, q backend.JobsQuery) (backend.Page[backend.Job], error)
	getJob     func(id string) (backend.Job, error)
	cancelJob  func(id string) (backend.Job, error)
	health     func() (backend.Health, error)
}

func (b *testBackend) UploadArtifact(_ context.Context, name, kind string, r io.Reader) (backend.Artifact, error) {
	if b.upload == nil {
		return backend.Artifact{}, nil
	}
	return b.upload(name, kind, r)
}

func (b *testBackend) ListArtifacts(_ context.Context, page, perPage int, kind string) (backend.Page[backend.Artifact], error) {
	if b.listArts == nil {
		return backend.Page[backend.Artifact]{}, nil
	}
	return b.listArts(page, perPage, kind)
}

func (b *testBackend) GetArtifact(_ context.Context, id string) (backend.Artifact, error) {
	if b.getArt == nil {
		return backend.Artifact{}, nil
	}
	return b.getArt(id)
}

func (b *testBackend) DeleteArtifact(_ context.Context, id string) error {
	if b.deleteArt == nil {
		return nil
	}
	return b.deleteArt(id)
}

func (b *testBackend) ArtifactContent(_ context.Context, id string) (io.ReadCloser, string, error) {
	if b.artContent == nil {
		return io.NopCloser(strings.NewReader("")), "", nil
	}
	return b.artContent(id)
}

func (b *testBackend) ListTools(_ context.Context) ([]backend.Tool, error) {
	if b.listTools == nil {
		return nil, nil
	}
	return b.listTools()
}

func (b *testBackend) SubmitAnalysis(_ context.Context, req backend.AnalysisRequest) (backend.Job, error) {
	if b.submit == nil {
		return backend.Job{}, nil
	}
	return b.submit(req)
}

func (b *testBackend) ListJobs(_ context.Context, page, perPage int, q backend.JobsQuery) (backend.Page[backend.Job], error) {
	if b.listJobs == nil {
		return backend.Page[backend.Job]{}, nil
	}
	return b.listJobs(page, perPage, q)
}

func (b *testBackend) GetJob(_ context.Context, id string) (backend.Job, error) {
	if b.getJob == nil {
		return backend.Job{}, nil
	}
	return b.getJob(id)
}

func (b *testBackend) CancelJob(_ context.Context, id string) (backend.Job, error) {
	if b.cancelJob == nil {
		return backend.Job{}, nil
	}
	return b.cancelJob(id)
}

func (b *testBackend) Health(_ context.Context) (backend.Health, error) {
	if b.health == nil {
		return backend.Health{Status: "ok"}, nil
	}
	return b.health()
}

// testGuard implements Guard with fixed answers
type testGuard struct {
	ok     bool
	reason string
	info   guard.Info
}

func (g *testGuard) Allow() (bool, string) { return g.ok, g.reason }
func (g *testGuard) Collect() guard.Info   { return g.info }

// testSpool implements Spooler collecting submissions in memory
type testSpool struct {
	entries []spool.Entry
	err     error
}

func (s *testSpool) OnSubmit(req backend.AnalysisRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	e := spool.Entry{Req: req, Fname: "spooled.json"}
	s.entries = append(s.entries, e)
	return e.Fname, nil
}

func (s *testSpool) List() []spool.Entry { return s.entries }

// testMonitor implements Monitor with a fixed state
type testMonitor struct {
	state      monitor.State
	reconnects int
}

func (m *testMonitor) State() monitor.State { return m.state }
func (m *testMonitor) Reconnect()           { m.reconnects++ }

// makeTestServer creates a server backed by the given mock and a real feed
// and journal store in a temp dir
func makeTestServer(t *testing.T, bk Backend) *Server {
	t.Helper()
	if bk == nil {
		bk = &testBackend{}
	}
	srv, err := New(Config{
		Backend: bk,
		Feed:    feed.New(),
		DBPath:  filepath.Join(t.TempDir(), "test.db"),
		Version: "v1.0.0-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, srv.store.Close())
	})
	return srv
}

// makeJob builds a job document for tests
func makeJob(id string, status backend.JobStatus, created time.Time) backend.Job {
	return backend.Job{
		ID:         id,
		Title:      "alignment " + id,
		Tool:       "mafft",
		SourceID:   "src-" + id,
		SourceName: "sample.fasta",
		Status:     status,
		CreatedAt:  rfctime.New(created),
	}
}

func TestNew(t *testing.T) {
	t.Run("requires backend", func(t *testing.T) {
		_, err := New(Config{Feed: feed.New(), DBPath: filepath.Join(t.TempDir(), "t.db")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Backend is required")
	})

	t.Run("requires feed", func(t *testing.T) {
		_, err := New(Config{Backend: &testBackend{}, DBPath: filepath.Join(t.TempDir(), "t.db")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Feed is required")
	})

	t.Run("rejects bad db path", func(t *testing.T) {
		_, err := New(Config{Backend: &testBackend{}, Feed: feed.New(), DBPath: "/nonexistent/dir/t.db"})
		require.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		srv := makeTestServer(t, nil)
		assert.Equal(t, int64(512*1024*1024), srv.uploadLimit)
		assert.Equal(t, enums.ThemeDark, srv.defaultTheme)
		assert.NotNil(t, srv.catalog)
		assert.NotEmpty(t, srv.catalog.Upload.Accept, "default accept list applied")
	})

	t.Run("parses all templates", func(t *testing.T) {
		srv := makeTestServer(t, nil)
		require.Contains(t, srv.templates, "base.html")
		require.Contains(t, srv.templates, "partials/jobs.html")
		require.Contains(t, srv.templates, "login")
	})
}

func TestServer_handlerBaseURL(t *testing.T) {
	srv := makeTestServer(t, nil)
	srv.baseURL = "/alignview"
	h := srv.handler()

	t.Run("redirects bare base url", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/alignview", http.NoBody)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMovedPermanently, w.Code)
		assert.Equal(t, "/alignview/", w.Header().Get("Location"))
	})

	t.Run("strips prefix for routes", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/alignview/ping", http.NoBody)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pong", w.Body.String())
	})
}

func TestServer_getTheme(t *testing.T) {
	srv := makeTestServer(t, nil)

	tests := []struct {
		name   string
		cookie string
		want   enums.Theme
	}{
		{"no cookie uses default", "", enums.ThemeDark},
		{"light cookie", "light", enums.ThemeLight},
		{"auto cookie", "auto", enums.ThemeAuto},
		{"invalid falls back to default", "blue", enums.ThemeDark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "theme", Value: tt.cookie})
			}
			assert.Equal(t, tt.want, srv.getTheme(req))
		})
	}

	t.Run("configured default theme", func(t *testing.T) {
		srv2, err := New(Config{
			Backend: &testBackend{}, Feed: feed.New(),
			DBPath: filepath.Join(t.TempDir(), "t.db"), DefaultTheme: enums.ThemeLight,
		})
		require.NoError(t, err)
		defer srv2.store.Close() //nolint:errcheck // test cleanup
		req := httptest.NewRequest("GET", "/", http.NoBody)
		assert.Equal(t, enums.ThemeLight, srv2.getTheme(req))
	})
}

func TestServer_getViewMode(t *testing.T) {
	srv := makeTestServer(t, nil)

	tests := []struct {
		name   string
		cookie string
		want   enums.ViewMode
	}{
		{"no cookie defaults to cards", "", enums.ViewModeCards},
		{"table cookie", "table", enums.ViewModeTable},
		{"invalid falls back to cards", "list", enums.ViewModeCards},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "view-mode", Value: tt.cookie})
			}
			assert.Equal(t, tt.want, srv.getViewMode(req))
		})
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanSize(tt.in), "humanSize(%d)", tt.in)
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "123456789012", shortID("123456789012"))
	assert.Equal(t, "123456789012", shortID("1234567890123456"))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "pending", statusClass(backend.StatusPending))
	assert.Equal(t, "running", statusClass(backend.StatusRunning))
	assert.Equal(t, "success", statusClass(backend.StatusSuccess))
	assert.Equal(t, "error", statusClass(backend.StatusError))
	assert.Equal(t, "unknown", statusClass(backend.JobStatus("weird")))
}

func TestShortVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", shortVersion("v1.2.0-abc1234-20250825"))
	assert.Equal(t, "v1.2.0", shortVersion("v1.2.0"))
	assert.Equal(t, "unknown", shortVersion("unknown"))
	assert.Equal(t, "", shortVersion(""))
}

func TestServer_truncate(t *testing.T) {
	srv := makeTestServer(t, nil)
	assert.Equal(t, "short", srv.truncate("short", 10))
	assert.Equal(t, "longer t...", srv.truncate("longer text here", 8))
}

func TestServer_humanDuration(t *testing.T) {
	srv := makeTestServer(t, nil)
	assert.Equal(t, "45s", srv.humanDuration(45*time.Second))
	assert.Equal(t, "5m", srv.humanDuration(5*time.Minute+12*time.Second))
	assert.Equal(t, "3h", srv.humanDuration(3*time.Hour+30*time.Minute))
	assert.Equal(t, "2d", srv.humanDuration(50*time.Hour))
}

func TestServer_humanTime(t *testing.T) {
	srv := makeTestServer(t, nil)
	assert.Equal(t, "-", srv.humanTime(time.Time{}))
	ts := time.Date(2025, 8, 25, 10, 30, 0, 0, time.Local)
	assert.Equal(t, "Aug 25, 10:30:00", srv.humanTime(ts))
}

func TestServer_currentCatalog(t *testing.T) {
	srv := makeTestServer(t, nil)

	// default catalog until a loader provides one
	assert.NotEmpty(t, srv.currentCatalog().Upload.Accept)

	srv.catalogMu.Lock()
	srv.catalog = &config.Config{Tools: []config.Tool{{ID: "mafft", Name: "MAFFT"}}}
	srv.catalogMu.Unlock()

	cat := srv.currentCatalog()
	require.Len(t, cat.Tools, 1)
	assert.Equal(t, "mafft", cat.Tools[0].ID)
}
