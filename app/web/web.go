// Package web implements the dashboard server for alignview
package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/config"
	"github.com/alnlab/alignview/app/feed"
	"github.com/alnlab/alignview/app/guard"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/pager"
	"github.com/alnlab/alignview/app/service/request"
	"github.com/alnlab/alignview/app/spool"
	"github.com/alnlab/alignview/app/web/enums"
	"github.com/alnlab/alignview/app/web/persistence"
)

//go:embed templates/*.html templates/partials/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server represents the dashboard server
type Server struct {
	backend        Backend
	store          Persistence
	feed           Feed
	pager          *pager.Pager[backend.Job]
	monitor        Monitor
	guard          Guard
	spool          Spooler
	catalogLoader  CatalogLoader
	templates      map[string]*template.Template
	baseURL        string // base URL path for reverse proxy (e.g., /alignview), empty for root
	hostname       string
	version        string
	passwordHash   string // bcrypt hash for basic auth
	defaultTheme   enums.Theme
	uploadLimit    int64         // request body cap on the upload route
	retention      time.Duration // journal retention, 0 keeps forever
	settingsInfo   SettingsInfo
	csrfProtection *http.CrossOriginProtection
	startTime      time.Time

	catalogMu sync.RWMutex
	catalog   *config.Config

	subsMu sync.Mutex
	subs   map[chan string]struct{} // SSE relay subscribers

	infoMu     sync.RWMutex
	infoCache  BackendInfo
	infoCached time.Time
}

// Backend is the subset of the backend client the dashboard calls
type Backend interface {
	UploadArtifact(ctx context.Context, name, kind string, r io.Reader) (backend.Artifact, error)
	ListArtifacts(ctx context.Context, page, perPage int, kind string) (backend.Page[backend.Artifact], error)
	GetArtifact(ctx context.Context, id string) (backend.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error
	ArtifactContent(ctx context.Context, id string) (io.ReadCloser, string, error)
	ListTools(ctx context.Context) ([]backend.Tool, error)
	SubmitAnalysis(ctx context.Context, req backend.AnalysisRequest) (backend.Job, error)
	ListJobs(ctx context.Context, page, perPage int, q backend.JobsQuery) (backend.Page[backend.Job], error)
	GetJob(ctx context.Context, id string) (backend.Job, error)
	CancelJob(ctx context.Context, id string) (backend.Job, error)
	Health(ctx context.Context) (backend.Health, error)
}

// Persistence defines journal operations the dashboard uses
type Persistence interface {
	RecordTransition(ctx context.Context, req request.RecordTransition) error
	JobHistory(ctx context.Context, jobID string, limit int) ([]persistence.TransitionRow, error)
	RecentActivity(ctx context.Context, since time.Time, limit int) ([]persistence.TransitionRow, error)
	RecentTransitions(ctx context.Context, since time.Time) ([]persistence.TransitionRow, error)
	RecordUpload(ctx context.Context, req request.RecordUpload) error
	RecentUploads(ctx context.Context, limit int) ([]persistence.UploadRow, error)
	Cleanup(ctx context.Context, olderThan time.Duration) error
	Close() error
}

// Feed is the reconciled job list the handlers read and configure
type Feed interface {
	ReplaceBase(jobs []backend.Job)
	SetFilter(flt feed.Filter)
	ActiveFilter() feed.Filter
	Snapshot() []backend.Job
	Stats() feed.Stats
	Live(id string) (backend.Job, bool)
}

// Monitor exposes stream state and the manual reconnect control
type Monitor interface {
	State() monitor.State
	Reconnect()
}

// Guard gates uploads on host resources
type Guard interface {
	Allow() (ok bool, reason string)
	Collect() guard.Info
}

// Spooler parks submissions when the backend is unreachable
type Spooler interface {
	OnSubmit(req backend.AnalysisRequest) (string, error)
	List() []spool.Entry
}

// CatalogLoader provides the tools catalog and its change stream
type CatalogLoader interface {
	Load() (*config.Config, error)
	Changes(ctx context.Context) (<-chan *config.Config, error)
}

// TemplateData holds data for templates
type TemplateData struct {
	Jobs         []backend.Job
	Stats        feed.Stats
	Filter       feed.Filter
	Tools        []config.Tool
	CurrentYear  int
	BaseURL      string
	Hostname     string
	ViewMode     enums.ViewMode
	Theme        enums.Theme
	MonitorState monitor.State
	HasMore      bool   // more pages available for infinite scroll
	LoadedCount  int    // jobs fetched into the base list
	TotalCount   int    // backend-side total for the active filter
	IsOOB        bool   // for OOB template rendering
	AuthEnabled  bool
	Version      string // application version (short form)
	FullVersion  string
}

// newTemplateData creates a TemplateData with common fields populated from request
func (s *Server) newTemplateData(r *http.Request) TemplateData {
	return TemplateData{
		BaseURL:      s.baseURL,
		Hostname:     s.hostname,
		ViewMode:     s.getViewMode(r),
		Theme:        s.getTheme(r),
		MonitorState: s.monitorState(),
		AuthEnabled:  s.passwordHash != "",
		Version:      shortVersion(s.version),
		FullVersion:  s.version,
	}
}

// Config holds server configuration
type Config struct {
	Backend       Backend
	Feed          Feed
	Monitor       Monitor
	Guard         Guard
	Spool         Spooler
	Catalog       CatalogLoader
	DBPath        string
	PerPage       int           // jobs per page for infinite scroll, default 20
	UploadLimitMB int64         // upload request size cap, default 512
	Retention     time.Duration // journal retention, 0 keeps forever
	BaseURL       string        // base URL path for reverse proxy, empty for root
	Hostname      string
	Version       string
	PasswordHash  string      // bcrypt hash for basic auth (empty to disable)
	DefaultTheme  enums.Theme // theme used when no cookie is set, default dark
	Settings      SettingsInfo
}

// SettingsInfo holds safe-to-display runtime configuration for the settings modal
type SettingsInfo struct {
	// version & build info
	Version   string
	StartTime time.Time

	// web settings
	ListenAddress string
	AuthEnabled   bool

	// backend settings
	BackendURL     string
	BackendTimeout time.Duration

	// catalog settings
	ConfigFile     string
	UpdateInterval time.Duration

	// monitor settings
	MonitorDelay       time.Duration
	MonitorMaxAttempts int
	ResyncEvery        time.Duration

	// spool settings
	SpoolEnabled bool
	SpoolPath    string

	// guard thresholds
	GuardMaxLoad   float64
	GuardMinFreeMB uint64

	// notification summary (counts, no secrets)
	EmailNotifications  bool
	SlackIntegration    bool
	SlackChannelCount   int
	TelegramIntegration bool
	TelegramDestCount   int
	WebhookCount        int
	DigestSchedule      string

	// logging settings
	LoggingEnabled bool
	DebugMode      bool
	LogFilePath    string
}

// New creates a dashboard server
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("web server initialization failed: Backend is required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("web server initialization failed: Feed is required")
	}

	store, err := persistence.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("web server initialization failed: failed to create journal store at %q: %w", cfg.DBPath, err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		if closeErr := store.Close(); closeErr != nil {
			return nil, fmt.Errorf("web server initialization failed: %w (also failed to close store: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("web server initialization failed: %w", err)
	}

	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	uploadLimit := cfg.UploadLimitMB
	if uploadLimit <= 0 {
		uploadLimit = 512
	}
	defaultTheme := cfg.DefaultTheme
	if defaultTheme == "" {
		defaultTheme = enums.ThemeDark
	}

	s := &Server{
		backend:        cfg.Backend,
		store:          store,
		feed:           cfg.Feed,
		monitor:        cfg.Monitor,
		guard:          cfg.Guard,
		spool:          cfg.Spool,
		catalogLoader:  cfg.Catalog,
		baseURL:        cfg.BaseURL,
		hostname:       cfg.Hostname,
		version:        cfg.Version,
		passwordHash:   cfg.PasswordHash,
		defaultTheme:   defaultTheme,
		uploadLimit:    uploadLimit * 1024 * 1024,
		retention:      cfg.Retention,
		settingsInfo:   cfg.Settings,
		csrfProtection: http.NewCrossOriginProtection(),
		startTime:      time.Now(),
		catalog:        config.Default(),
		subs:           make(map[chan string]struct{}),
	}

	// page fetches run under the active filter so base pages and live
	// entries are checked against the same conditions
	s.pager = pager.New(func(ctx context.Context, page, perPage int) ([]backend.Job, int, error) {
		p, err := s.backend.ListJobs(ctx, page, perPage, s.feed.ActiveFilter().Query())
		if err != nil {
			return nil, 0, err
		}
		return p.Items, p.Total, nil
	}, perPage)

	if cfg.Catalog != nil {
		catalog, err := cfg.Catalog.Load()
		if err != nil {
			log.Printf("[WARN] can't load tools catalog, using defaults: %v", err)
		} else {
			s.catalog = catalog
		}
	}

	templates, err := s.parseTemplates()
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w (also failed to close store: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w", err)
	}
	s.templates = templates

	return s, nil
}

// Run starts the web server, blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	// initial base list load, a degraded backend only delays the list
	if _, err := s.pager.LoadMore(ctx); err != nil {
		log.Printf("[WARN] initial job list load failed: %v", err)
	} else {
		s.feed.ReplaceBase(s.pager.Items())
	}

	go s.watchCatalog(ctx)
	go s.cleanupLoop(ctx)

	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second, // the SSE relay clears its own deadline
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
		if err := s.store.Close(); err != nil {
			log.Printf("[WARN] failed to close journal store: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// watchCatalog consumes catalog reloads from the loader's change stream
func (s *Server) watchCatalog(ctx context.Context) {
	if s.catalogLoader == nil {
		return
	}
	ch, err := s.catalogLoader.Changes(ctx)
	if err != nil {
		log.Printf("[WARN] catalog watch disabled: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case catalog, ok := <-ch:
			if !ok {
				return
			}
			s.catalogMu.Lock()
			s.catalog = catalog
			s.catalogMu.Unlock()
			log.Printf("[INFO] tools catalog reloaded, %d tools", len(catalog.Tools))
		}
	}
}

// cleanupLoop drops expired journal entries twice a day
func (s *Server) cleanupLoop(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Cleanup(ctx, s.retention); err != nil {
				log.Printf("[WARN] journal cleanup failed: %v", err)
			}
		}
	}
}

// currentCatalog returns the latest catalog snapshot
func (s *Server) currentCatalog() *config.Config {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	return s.catalog
}

func (s *Server) monitorState() monitor.State {
	if s.monitor == nil {
		return monitor.StateIdle
	}
	return s.monitor.State()
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.baseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	// handle base URL without trailing slash - redirect to with trailing slash
	mux.HandleFunc(s.baseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.baseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.baseURL+"/", http.StripPrefix(s.baseURL, routes))
	return mux
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("alignview", "alnlab", s.version),
		rest.Ping,
		rest.Trace,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	// auth middleware must be installed before any routes are defined
	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for web UI")
		router.Use(s.authMiddleware)
	}

	if s.passwordHash != "" {
		router.HandleFunc("GET /login", s.handleLoginForm)
		router.With(s.csrfProtection.Handler, tollbooth.HTTPMiddleware(loginLimiter)).HandleFunc("POST /login", s.handleLogin)
		router.HandleFunc("GET /logout", s.handleLogout)
	}

	// dashboard route
	router.HandleFunc("GET /", s.handleDashboard)

	// HTMX endpoints, size-limited since none of them carry files
	router.Group().Route(func(ui *routegroup.Bundle) {
		ui.Use(rest.NoCache, s.csrfProtection.Handler, rest.SizeLimit(64*1024))
		ui.HandleFunc("GET /partials/jobs", s.handleJobsPartial)
		ui.HandleFunc("GET /partials/artifacts", s.handleArtifactsPartial)
		ui.HandleFunc("POST /jobs/more", s.handleJobsMore)
		ui.HandleFunc("POST /jobs/refresh", s.handleJobsRefresh)
		ui.HandleFunc("POST /jobs/{id}/cancel", s.handleJobCancel)
		ui.HandleFunc("POST /filters", s.handleFilters)
		ui.HandleFunc("POST /filters/clear", s.handleFiltersClear)
		ui.HandleFunc("POST /submit", s.handleSubmit)
		ui.HandleFunc("POST /theme-toggle", s.handleThemeToggle)
		ui.HandleFunc("POST /view-toggle", s.handleViewToggle)
		ui.HandleFunc("POST /monitor/reconnect", s.handleMonitorReconnect)
		ui.HandleFunc("POST /artifacts/{id}/delete", s.handleArtifactDelete)
		ui.HandleFunc("GET /modals/job/{id}", s.handleJobModal)
		ui.HandleFunc("GET /modals/submit/{id}", s.handleSubmitModal)
		ui.HandleFunc("GET /modals/artifact/{id}", s.handleArtifactModal)
		ui.HandleFunc("GET /modals/settings", s.handleSettingsModal)
	})

	// upload carries files, its cap is enforced by the handler via MaxBytesReader
	router.With(s.csrfProtection.Handler).HandleFunc("POST /upload", s.handleUpload)

	// streaming endpoints stay outside NoCache and size limits
	router.HandleFunc("GET /artifacts/{id}/download", s.handleArtifactDownload)
	router.HandleFunc("GET /events", s.handleEvents)

	// JSON API for CLI/programmatic access
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleAPIStatus)
		api.HandleFunc("GET /jobs/{id}/history", s.handleAPIJobHistory)
		api.HandleFunc("GET /activity", s.handleAPIActivity)
	})

	// static files with proper error handling
	fsys, err := fs.Sub(staticFS, "static")
	if err != nil {
		log.Printf("[ERROR] failed to create static file system: %v", err)
		router.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	} else {
		router.HandleFiles("/static/", http.FS(fsys))
	}

	return router
}

// render renders a template
func (s *Server) render(w http.ResponseWriter, page, tmplName string, data any) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Printf("[WARN] template %s not found", page)
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	buf := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(buf, tmplName, data); err != nil {
		log.Printf("[WARN] failed to execute template: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// parseTemplates parses all templates
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)

	funcMap := template.FuncMap{
		"humanTime":     s.humanTime,
		"humanDuration": s.humanDuration,
		"humanSize":     humanSize,
		"shortID":       shortID,
		"truncate":      s.truncate,
		"since":         s.since,
		"statusClass":   statusClass,
		"url":           s.url,
	}

	// parse base template with all partials
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templatesFS,
		"templates/base.html", "templates/dashboard.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base template: %w", err)
	}
	templates["base.html"] = base

	// parse partials separately for HTMX requests
	partials, err := template.New("jobs.html").Funcs(funcMap).ParseFS(templatesFS,
		"templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse partials: %w", err)
	}
	templates["partials/jobs.html"] = partials

	// parse login template (standalone, doesn't use base)
	login, err := template.New("login.html").Funcs(funcMap).ParseFS(templatesFS, "templates/login.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse login template: %w", err)
	}
	templates["login"] = login

	return templates, nil
}

func (s *Server) getViewMode(r *http.Request) enums.ViewMode {
	cookie, err := r.Cookie("view-mode")
	if err != nil {
		return enums.ViewModeCards // default
	}
	mode, err := enums.ParseViewMode(cookie.Value)
	if err != nil {
		log.Printf("[WARN] invalid view mode %q: %v", cookie.Value, err)
		return enums.ViewModeCards // default on parse error
	}
	return mode
}

func (s *Server) getTheme(r *http.Request) enums.Theme {
	cookie, err := r.Cookie("theme")
	if err != nil {
		return s.defaultTheme
	}
	theme, err := enums.ParseTheme(cookie.Value)
	if err != nil {
		log.Printf("[WARN] invalid theme %q: %v", cookie.Value, err)
		return s.defaultTheme
	}
	return theme
}

// setPrefCookie stores a presentation preference for a year
func (s *Server) setPrefCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.cookiePath(),
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// template helper functions

func (s *Server) humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 2, 15:04:05")
}

func (s *Server) humanDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func (s *Server) since(t time.Time) time.Duration {
	return time.Since(t)
}

func (s *Server) truncate(str string, n int) string {
	if len(str) <= n {
		return str
	}
	return str[:n] + "..."
}

// url prepends the base URL to a path for reverse proxy support
func (s *Server) url(path string) string {
	return s.baseURL + path
}

// cookiePath returns the cookie path with base URL support
func (s *Server) cookiePath() string {
	if s.baseURL == "" {
		return "/"
	}
	return s.baseURL + "/"
}

// helper functions

// humanSize formats a byte count, 1536 -> "1.5 KB"
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// shortID trims long backend identifiers for display
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// statusClass maps a job status to its CSS class suffix
func statusClass(status backend.JobStatus) string {
	switch status {
	case backend.StatusPending:
		return "pending"
	case backend.StatusRunning:
		return "running"
	case backend.StatusSuccess:
		return "success"
	case backend.StatusError:
		return "error"
	}
	return "unknown"
}

// shortVersion extracts a short version string from full version
// for version like "v1.2.0-abc1234-20250825", returns "v1.2.0"
func shortVersion(fullVer string) string {
	if fullVer == "" || fullVer == "unknown" {
		return fullVer
	}
	if idx := strings.Index(fullVer, "-"); idx > 0 {
		return fullVer[:idx]
	}
	return fullVer
}
