package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/config"
	"github.com/alnlab/alignview/app/feed"
	"github.com/alnlab/alignview/app/guard"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/pager"
	"github.com/alnlab/alignview/app/service"
	"github.com/alnlab/alignview/app/service/request"
	"github.com/alnlab/alignview/app/web/enums"
	"github.com/alnlab/alignview/app/web/persistence"
)

// handleDashboard renders the main dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := s.displayData(r)
	data.CurrentYear = time.Now().Year()
	s.render(w, "base.html", "base", data)
}

// displayData builds template data with the current job list and stats
func (s *Server) displayData(r *http.Request) TemplateData {
	data := s.newTemplateData(r)
	data.Jobs = s.feed.Snapshot()
	data.Stats = s.feed.Stats()
	data.Filter = s.feed.ActiveFilter()
	data.Tools = s.currentCatalog().Tools
	data.HasMore = s.pager.HasMore()
	data.LoadedCount = s.pager.Loaded()
	data.TotalCount = s.pager.Total()
	return data
}

// handleJobsPartial returns the job list partial, re-rendered on SSE
// triggers and the fallback poll
func (s *Server) handleJobsPartial(w http.ResponseWriter, r *http.Request) {
	data := s.displayData(r)
	data.IsOOB = true // enable OOB for stats updates

	if err := s.renderJobsWithStats(w, data); err != nil {
		log.Printf("[ERROR] failed to render jobs partial: %v", err)
		http.Error(w, "Failed to render jobs", http.StatusInternalServerError)
	}
}

// renderJobsWithStats renders the job list with OOB stats and scroll sentinel
func (s *Server) renderJobsWithStats(w http.ResponseWriter, data TemplateData) error {
	tmplName := "jobs-cards"
	if data.ViewMode == enums.ViewModeTable {
		tmplName = "jobs-table"
	}

	tmpl, ok := s.templates["partials/jobs.html"]
	if !ok {
		return fmt.Errorf("partials template not found")
	}

	var jobsHTML bytes.Buffer
	if err := tmpl.ExecuteTemplate(&jobsHTML, tmplName, data); err != nil {
		return fmt.Errorf("failed to render jobs template: %w", err)
	}

	var statsHTML bytes.Buffer
	if err := tmpl.ExecuteTemplate(&statsHTML, "stats-updates", data); err != nil {
		return fmt.Errorf("failed to render stats updates: %w", err)
	}

	var sentinelHTML bytes.Buffer
	if data.IsOOB {
		if err := tmpl.ExecuteTemplate(&sentinelHTML, "scroll-sentinel", data); err != nil {
			return fmt.Errorf("failed to render scroll sentinel: %w", err)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(jobsHTML.Bytes()); err != nil {
		log.Printf("[ERROR] failed to write jobs HTML: %v", err)
	}
	if _, err := w.Write(statsHTML.Bytes()); err != nil {
		log.Printf("[ERROR] failed to write stats HTML: %v", err)
	}
	if sentinelHTML.Len() > 0 {
		if _, err := w.Write(sentinelHTML.Bytes()); err != nil {
			log.Printf("[ERROR] failed to write sentinel HTML: %v", err)
		}
	}

	return nil
}

// handleJobsMore loads the next page for infinite scroll and re-renders
// the list
func (s *Server) handleJobsMore(w http.ResponseWriter, r *http.Request) {
	_, err := s.pager.LoadMore(r.Context())
	switch {
	case errors.Is(err, pager.ErrNoMore) || errors.Is(err, pager.ErrBusy):
		// nothing to add, render the current state
	case err != nil:
		log.Printf("[WARN] failed to load more jobs: %v", err)
		http.Error(w, "Failed to load more jobs", http.StatusBadGateway)
		return
	default:
		s.feed.ReplaceBase(s.pager.Items())
	}

	data := s.displayData(r)
	data.IsOOB = true
	if err := s.renderJobsWithStats(w, data); err != nil {
		log.Printf("[ERROR] failed to render jobs: %v", err)
		http.Error(w, "Failed to render jobs", http.StatusInternalServerError)
	}
}

// handleJobsRefresh reloads the listing from page one, the manual resync
func (s *Server) handleJobsRefresh(w http.ResponseWriter, r *http.Request) {
	s.pager.Reset()
	if _, err := s.pager.LoadMore(r.Context()); err != nil {
		log.Printf("[WARN] failed to refresh job list: %v", err)
		http.Error(w, "Failed to refresh jobs", http.StatusBadGateway)
		return
	}
	s.feed.ReplaceBase(s.pager.Items())

	data := s.displayData(r)
	data.IsOOB = true
	if err := s.renderJobsWithStats(w, data); err != nil {
		log.Printf("[ERROR] failed to render jobs: %v", err)
		http.Error(w, "Failed to render jobs", http.StatusInternalServerError)
	}
}

// handleFilters applies the filter form and reloads the listing under the
// new conditions
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	flt, err := parseFilterForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.applyFilter(w, r, flt)
}

// handleFiltersClear drops every filter condition
func (s *Server) handleFiltersClear(w http.ResponseWriter, r *http.Request) {
	s.applyFilter(w, r, feed.Filter{})
}

// parseFilterForm validates the filter fields, bad status and date values
// are rejected rather than silently matching nothing
func parseFilterForm(r *http.Request) (feed.Filter, error) {
	flt := feed.Filter{
		SourceID: strings.TrimSpace(r.FormValue("source_id")),
		Tool:     strings.TrimSpace(r.FormValue("tool")),
		DateFrom: strings.TrimSpace(r.FormValue("date_from")),
		DateTo:   strings.TrimSpace(r.FormValue("date_to")),
	}

	if status := strings.TrimSpace(r.FormValue("status")); status != "" {
		parsed, err := backend.ParseJobStatus(status)
		if err != nil {
			return feed.Filter{}, fmt.Errorf("invalid status filter %q", status)
		}
		flt.Status = string(parsed)
	}

	for _, d := range []string{flt.DateFrom, flt.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return feed.Filter{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", d)
		}
	}
	if flt.DateFrom != "" && flt.DateTo != "" && flt.DateFrom > flt.DateTo {
		return feed.Filter{}, fmt.Errorf("date range %s..%s is inverted", flt.DateFrom, flt.DateTo)
	}

	return flt, nil
}

func (s *Server) applyFilter(w http.ResponseWriter, r *http.Request, flt feed.Filter) {
	s.feed.SetFilter(flt)
	s.pager.Reset()
	if _, err := s.pager.LoadMore(r.Context()); err != nil {
		log.Printf("[WARN] failed to reload jobs for filter: %v", err)
		// the live entries still render under the new filter
	}
	s.feed.ReplaceBase(s.pager.Items())

	data := s.displayData(r)
	data.IsOOB = true

	tmpl, ok := s.templates["partials/jobs.html"]
	if !ok {
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmplName := "jobs-cards"
	if data.ViewMode == enums.ViewModeTable {
		tmplName = "jobs-table"
	}
	if err := tmpl.ExecuteTemplate(w, tmplName, data); err != nil {
		log.Printf("[WARN] failed to render filtered jobs: %v", err)
		return
	}
	// filter bar and stats follow as OOB updates
	if err := tmpl.ExecuteTemplate(w, "filter-bar", data); err != nil {
		log.Printf("[WARN] failed to render filter bar: %v", err)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "stats-updates", data); err != nil {
		log.Printf("[WARN] failed to render stats updates: %v", err)
	}
}

// handleUpload accepts a sequence file from the upload widget and streams
// it to the backend
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.guard != nil {
		if ok, reason := s.guard.Allow(); !ok {
			log.Printf("[WARN] upload refused: %s", reason)
			s.renderUploadResult(w, uploadResult{Error: "system busy: " + reason})
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.renderUploadResult(w, uploadResult{Error: fmt.Sprintf("file too large, limit is %s", humanSize(maxErr.Limit))})
			return
		}
		s.renderUploadResult(w, uploadResult{Error: "no file in the request"})
		return
	}
	defer file.Close() //nolint:errcheck // read-only temp file

	catalog := s.currentCatalog()
	if !catalog.Accepts(hdr.Filename) {
		s.renderUploadResult(w, uploadResult{Error: fmt.Sprintf("file type of %q not accepted", hdr.Filename)})
		return
	}
	if hdr.Size > catalog.MaxSizeBytes() {
		s.renderUploadResult(w, uploadResult{
			Error: fmt.Sprintf("file is %s, limit is %s", humanSize(hdr.Size), humanSize(catalog.MaxSizeBytes()))})
		return
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		s.renderUploadResult(w, uploadResult{Error: "can't read the file"})
		return
	}
	if n == 0 {
		s.renderUploadResult(w, uploadResult{Error: "file is empty"})
		return
	}
	if err := sniffSequenceData(head[:n]); err != nil {
		s.renderUploadResult(w, uploadResult{Error: err.Error()})
		return
	}

	artifact, err := s.backend.UploadArtifact(r.Context(), hdr.Filename, "source",
		io.MultiReader(bytes.NewReader(head[:n]), file))
	if err != nil {
		log.Printf("[WARN] upload of %q failed: %v", hdr.Filename, err)
		s.renderUploadResult(w, uploadResult{Error: uploadErrorMessage(err)})
		return
	}

	if jerr := s.store.RecordUpload(r.Context(), request.RecordUpload{
		ArtifactID: artifact.ID, Name: artifact.Name, Size: artifact.Size, Kind: artifact.Kind,
	}); jerr != nil {
		log.Printf("[WARN] failed to journal upload %s: %v", artifact.ID, jerr)
	}

	log.Printf("[INFO] uploaded %q as artifact %s, %s", artifact.Name, artifact.ID, humanSize(artifact.Size))
	w.Header().Set("HX-Trigger", "refresh-artifacts")
	s.renderUploadResult(w, uploadResult{Artifact: artifact})
}

// uploadResult is the data for the upload outcome fragment
type uploadResult struct {
	Artifact backend.Artifact
	Error    string
}

func (s *Server) renderUploadResult(w http.ResponseWriter, res uploadResult) {
	s.render(w, "partials/jobs.html", "upload-result", res)
}

// uploadErrorMessage keeps backend failures short enough for the widget.
// Uploads never spool, the file is gone once the request failed.
func uploadErrorMessage(err error) string {
	if backend.IsUnreachable(err) {
		return "backend unreachable, try again later"
	}
	return err.Error()
}

// sniffSequenceData verifies the first bytes look like FASTA/FASTQ text or
// a gzip stream. Gzip is recognized by its magic bytes, FASTA by the
// leading '>' or ';', FASTQ by '@'.
func sniffSequenceData(head []byte) error {
	if len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b {
		return nil
	}
	for _, b := range head {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '>', ';', '@':
			return nil
		default:
			return fmt.Errorf("content doesn't look like sequence data, expected FASTA, FASTQ or gzip")
		}
	}
	return fmt.Errorf("content doesn't look like sequence data, expected FASTA, FASTQ or gzip")
}

// handleSubmit processes the analysis form, expanding the title template
// and spooling the request when the backend can't take it
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	sourceID := strings.TrimSpace(r.FormValue("source_id"))
	toolID := strings.TrimSpace(r.FormValue("tool"))
	if sourceID == "" || toolID == "" {
		http.Error(w, "Source and tool are required", http.StatusBadRequest)
		return
	}

	catalog := s.currentCatalog()
	tool, ok := catalog.Tool(toolID)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool %q", toolID), http.StatusBadRequest)
		return
	}

	// only params the catalog declares for the tool make it through
	params := map[string]string{}
	for _, p := range tool.Params {
		if v := strings.TrimSpace(r.FormValue("param." + p.Name)); v != "" {
			params[p.Name] = v
		}
	}

	req := backend.AnalysisRequest{
		SourceID: sourceID,
		Tool:     toolID,
		Title:    s.expandTitle(r, toolID, sourceID),
		Params:   params,
	}

	job, err := s.backend.SubmitAnalysis(r.Context(), req)
	if err != nil {
		if backend.IsUnreachable(err) && s.spool != nil {
			fname, serr := s.spool.OnSubmit(req)
			if serr == nil {
				log.Printf("[INFO] backend unreachable, submission spooled to %s", fname)
				s.render(w, "partials/jobs.html", "submit-result", submitResult{Queued: true, Title: req.Title})
				return
			}
			log.Printf("[WARN] failed to spool submission: %v", serr)
		}
		log.Printf("[WARN] submission of %q with %s failed: %v", req.Title, toolID, err)
		s.render(w, "partials/jobs.html", "submit-result", submitResult{Error: err.Error()})
		return
	}

	log.Printf("[INFO] submitted job %s, tool %s, source %s", job.ID, job.Tool, sourceID)
	w.Header().Set("HX-Trigger", "refresh-jobs")
	s.render(w, "partials/jobs.html", "submit-result", submitResult{Job: job})
}

// submitResult is the data for the submission outcome fragment
type submitResult struct {
	Job    backend.Job
	Title  string
	Queued bool // parked in the spool instead of submitted
	Error  string
}

// expandTitle runs the submitted title (or the catalog default) through the
// name template, falling back to the raw text when it doesn't parse
func (s *Server) expandTitle(r *http.Request, toolID, sourceID string) string {
	raw := strings.TrimSpace(r.FormValue("title"))
	tmpl := raw
	if tmpl == "" {
		tmpl = s.currentCatalog().TitleTemplate
	}
	if tmpl == "" {
		return ""
	}

	sourceName := strings.TrimSpace(r.FormValue("source_name"))
	if sourceName == "" {
		sourceName = sourceID
	}

	title, err := service.NewNameTemplate(time.Now(), toolID, sourceName).Parse(tmpl)
	if err != nil {
		log.Printf("[WARN] title template %q failed, using it as-is: %v", tmpl, err)
		return raw
	}
	return title
}

// handleJobCancel asks the backend to cancel a job
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	job, err := s.backend.CancelJob(r.Context(), jobID)
	if err != nil {
		if backend.IsNotFound(err) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] failed to cancel job %s: %v", jobID, err)
		http.Error(w, "Failed to cancel job", http.StatusBadGateway)
		return
	}

	log.Printf("[INFO] canceled job %s, status %s", job.ID, job.Status)
	w.Header().Set("HX-Trigger", "refresh-jobs")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("Cancel requested")); err != nil {
		log.Printf("[ERROR] failed to write response: %v", err)
	}
}

// handleJobModal renders the job details modal with the merged live view
// and the observed history
func (s *Server) handleJobModal(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	job, found := s.displayedJob(jobID)
	if !found {
		// outside the loaded window, ask the backend directly
		var err error
		job, err = s.backend.GetJob(r.Context(), jobID)
		if err != nil {
			if backend.IsNotFound(err) {
				http.Error(w, "Job not found", http.StatusNotFound)
				return
			}
			log.Printf("[WARN] failed to fetch job %s: %v", jobID, err)
			http.Error(w, "Failed to load job", http.StatusBadGateway)
			return
		}
	}

	history, err := s.store.JobHistory(r.Context(), jobID, 50)
	if err != nil {
		log.Printf("[WARN] failed to load history for job %s: %v", jobID, err)
	}

	data := struct {
		Job     backend.Job
		History []persistence.TransitionRow
	}{Job: job, History: history}

	s.render(w, "partials/jobs.html", "job-modal", data)
}

// displayedJob finds the job in the current display list, overlaid entries
// included
func (s *Server) displayedJob(id string) (backend.Job, bool) {
	for _, j := range s.feed.Snapshot() {
		if j.ID == id {
			return j, true
		}
	}
	// live entries filtered out of the display still count
	return s.feed.Live(id)
}

// handleSubmitModal renders the analysis form for an artifact
func (s *Server) handleSubmitModal(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("id")
	if artifactID == "" {
		http.Error(w, "Artifact ID required", http.StatusBadRequest)
		return
	}

	artifact, err := s.backend.GetArtifact(r.Context(), artifactID)
	if err != nil {
		if backend.IsNotFound(err) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] failed to fetch artifact %s: %v", artifactID, err)
		http.Error(w, "Failed to load artifact", http.StatusBadGateway)
		return
	}

	catalog := s.currentCatalog()
	data := struct {
		Artifact      backend.Artifact
		Tools         []config.Tool
		TitleTemplate string
	}{Artifact: artifact, Tools: catalog.Tools, TitleTemplate: catalog.TitleTemplate}

	s.render(w, "partials/jobs.html", "submit-modal", data)
}

// handleArtifactModal renders artifact details with the delete confirmation
func (s *Server) handleArtifactModal(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("id")
	if artifactID == "" {
		http.Error(w, "Artifact ID required", http.StatusBadRequest)
		return
	}

	artifact, err := s.backend.GetArtifact(r.Context(), artifactID)
	if err != nil {
		if backend.IsNotFound(err) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] failed to fetch artifact %s: %v", artifactID, err)
		http.Error(w, "Failed to load artifact", http.StatusBadGateway)
		return
	}

	s.render(w, "partials/jobs.html", "artifact-modal", artifact)
}

// handleArtifactDelete removes an artifact on the backend
func (s *Server) handleArtifactDelete(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("id")
	if artifactID == "" {
		http.Error(w, "Artifact ID required", http.StatusBadRequest)
		return
	}

	if err := s.backend.DeleteArtifact(r.Context(), artifactID); err != nil {
		if backend.IsNotFound(err) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] failed to delete artifact %s: %v", artifactID, err)
		http.Error(w, "Failed to delete artifact", http.StatusBadGateway)
		return
	}

	log.Printf("[INFO] deleted artifact %s", artifactID)
	w.Header().Set("HX-Trigger", "refresh-artifacts")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("Deleted")); err != nil {
		log.Printf("[ERROR] failed to write response: %v", err)
	}
}

// handleArtifactDownload streams artifact bytes through to the browser
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("id")
	if artifactID == "" {
		http.Error(w, "Artifact ID required", http.StatusBadRequest)
		return
	}

	rc, name, err := s.backend.ArtifactContent(r.Context(), artifactID)
	if err != nil {
		if backend.IsNotFound(err) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] failed to stream artifact %s: %v", artifactID, err)
		http.Error(w, "Failed to download artifact", http.StatusBadGateway)
		return
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close artifact stream: %v", closeErr)
		}
	}()

	if name == "" {
		name = artifactID
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("[WARN] artifact %s download interrupted: %v", artifactID, err)
	}
}

// handleArtifactsPartial renders the artifacts browser panel
func (s *Server) handleArtifactsPartial(w http.ResponseWriter, r *http.Request) {
	kind := r.FormValue("kind")

	data := struct {
		Artifacts []backend.Artifact
		Total     int
		Kind      string
		Error     string
	}{Kind: kind}

	page, err := s.backend.ListArtifacts(r.Context(), 1, 50, kind)
	if err != nil {
		log.Printf("[WARN] failed to list artifacts: %v", err)
		data.Error = "can't reach the backend"
	} else {
		data.Artifacts = page.Items
		data.Total = page.Total
	}

	s.render(w, "partials/jobs.html", "artifacts-browser", data)
}

// handleMonitorReconnect restarts the stream connection cycle on demand
func (s *Server) handleMonitorReconnect(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "Monitor not configured", http.StatusServiceUnavailable)
		return
	}

	s.monitor.Reconnect()
	log.Printf("[INFO] manual stream reconnect requested")

	data := s.newTemplateData(r)
	data.MonitorState = monitor.StateConnecting // optimistic, the SSE relay corrects it
	s.render(w, "partials/jobs.html", "connection-state", data)
}

// handleThemeToggle cycles the theme cookie, dark -> light -> auto
func (s *Server) handleThemeToggle(w http.ResponseWriter, r *http.Request) {
	next := s.getTheme(r).Cycle()
	s.setPrefCookie(w, "theme", next.String())

	// full page refresh picks up the new scheme
	w.Header().Set("HX-Refresh", "true")
	w.WriteHeader(http.StatusOK)
}

// handleViewToggle flips between cards and table
func (s *Server) handleViewToggle(w http.ResponseWriter, r *http.Request) {
	next := s.getViewMode(r).Cycle()
	s.setPrefCookie(w, "view-mode", next.String())

	data := s.displayData(r)
	data.ViewMode = next

	tmpl, ok := s.templates["partials/jobs.html"]
	if !ok {
		log.Printf("[WARN] partials template not found")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// the container replaces the hx-target in place, only the header button
	// rides along as OOB
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := tmpl.ExecuteTemplate(w, "jobs-container", data); err != nil {
		log.Printf("[WARN] failed to render view toggle response: %v", err)
		return
	}
	data.IsOOB = true
	if err := tmpl.ExecuteTemplate(w, "view-toggle-button", data); err != nil {
		log.Printf("[WARN] failed to render view toggle button: %v", err)
	}
}

// handleSettingsModal renders the settings/about modal
func (s *Server) handleSettingsModal(w http.ResponseWriter, r *http.Request) {
	info := s.backendInfo(r.Context())

	var sys guard.Info
	if s.guard != nil {
		sys = s.guard.Collect()
	}

	spoolPending := 0
	if s.spool != nil {
		spoolPending = len(s.spool.List())
	}

	activity, err := s.store.RecentActivity(r.Context(), time.Now().Add(-24*time.Hour), 20)
	if err != nil {
		log.Printf("[WARN] failed to load recent activity: %v", err)
	}
	uploads, err := s.store.RecentUploads(r.Context(), 10)
	if err != nil {
		log.Printf("[WARN] failed to load recent uploads: %v", err)
	}

	catalog := s.currentCatalog()
	data := settingsData{
		Settings:     s.settingsInfo,
		Backend:      info,
		MonitorState: s.monitorState(),
		Sys:          sys,
		Tools:        catalog.Tools,
		MissingTools: missingTools(catalog.Tools, info),
		SpoolPending: spoolPending,
		Activity:     activity,
		Uploads:      uploads,
		Uptime:       time.Since(s.startTime),
	}

	s.render(w, "partials/jobs.html", "settings-modal", data)
}

// settingsData is everything the settings modal shows
type settingsData struct {
	Settings     SettingsInfo
	Backend      BackendInfo
	MonitorState monitor.State
	Sys          guard.Info
	Tools        []config.Tool
	MissingTools []string
	SpoolPending int
	Activity     []persistence.TransitionRow
	Uploads      []persistence.UploadRow
	Uptime       time.Duration
}

// missingTools lists catalog tools the backend doesn't report, a config
// drift the settings modal flags
func missingTools(catalog []config.Tool, info BackendInfo) []string {
	if !info.Reachable {
		return nil // can't cross-check a dead backend
	}
	available := make(map[string]bool, len(info.Tools))
	for _, t := range info.Tools {
		available[t.ID] = true
	}
	var missing []string
	for _, t := range catalog {
		if !available[t.ID] {
			missing = append(missing, t.ID)
		}
	}
	return missing
}

// handleEvents relays job updates and connection state changes to the
// browser as SSE
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// the server-wide write timeout would kill the stream
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("[DEBUG] can't clear write deadline for SSE: %v", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.subscribe()
	defer cancel()

	// opening state event so the badge is right before the first change
	if data, err := json.Marshal(sseEvent{Type: "monitor-state", State: string(s.monitorState())}); err == nil {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
