package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/web/persistence"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Jobs      []APIJob  `json:"jobs"`
	Stats     APIStats  `json:"stats"`
	Monitor   string    `json:"monitor"`
	Timestamp time.Time `json:"timestamp"`
}

// APIJob represents a job in JSON API response
type APIJob struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	ExitMessage string    `json:"exit_message,omitempty"`
	OutputID    string    `json:"output_id,omitempty"`
}

// APIStats represents aggregated statistics in JSON API response
type APIStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// APITransition represents an observed status change in JSON API response
type APITransition struct {
	JobID       string    `json:"job_id"`
	Title       string    `json:"title,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	From        string    `json:"from,omitempty"`
	Status      string    `json:"status"`
	ExitMessage string    `json:"exit_message,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// APIHistoryResponse is the JSON response for job history
type APIHistoryResponse struct {
	Job         APIJob          `json:"job"`
	Transitions []APITransition `json:"transitions"`
}

// toAPIJob converts backend.Job to APIJob
func toAPIJob(job backend.Job) APIJob {
	return APIJob{
		ID:          job.ID,
		Title:       job.Title,
		Tool:        job.Tool,
		SourceID:    job.SourceID,
		Status:      job.Status.String(),
		CreatedAt:   job.CreatedAt.Time,
		UpdatedAt:   job.UpdatedAt.Time,
		StartedAt:   job.StartedAt.Time,
		FinishedAt:  job.FinishedAt.Time,
		ExitMessage: job.ExitMessage,
		OutputID:    job.OutputID,
	}
}

// toAPITransition converts persistence.TransitionRow to APITransition
func toAPITransition(row persistence.TransitionRow) APITransition {
	return APITransition{
		JobID:       row.JobID,
		Title:       row.Title,
		Tool:        row.Tool,
		From:        row.From.String(),
		Status:      row.Status.String(),
		ExitMessage: row.ExitMessage,
		RecordedAt:  row.RecordedAt,
	}
}

// handleAPIStatus returns JSON status for the displayed jobs - designed for CLI/jq consumption
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	displayed := s.feed.Snapshot()
	jobs := make([]APIJob, 0, len(displayed))
	for _, job := range displayed {
		jobs = append(jobs, toAPIJob(job))
	}

	st := s.feed.Stats()
	resp := APIStatusResponse{
		Jobs: jobs,
		Stats: APIStats{
			Total:   st.Total,
			Pending: st.Pending,
			Running: st.Running,
			Success: st.Success,
			Failed:  st.Failed,
		},
		Monitor:   string(s.monitorState()),
		Timestamp: time.Now(),
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIJobHistory returns JSON with the job document and the transitions
// this dashboard observed for it
func (s *Server) handleAPIJobHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, found := s.displayedJob(jobID)
	if !found {
		var err error
		job, err = s.backend.GetJob(r.Context(), jobID)
		if err != nil {
			if backend.IsNotFound(err) {
				s.writeJSONError(w, http.StatusNotFound, "job not found")
				return
			}
			log.Printf("[WARN] failed to fetch job %s: %v", jobID, err)
			s.writeJSONError(w, http.StatusBadGateway, "failed to load job")
			return
		}
	}

	rows, err := s.store.JobHistory(r.Context(), jobID, 50)
	if err != nil {
		log.Printf("[ERROR] failed to get history for job %s: %v", jobID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load job history")
		return
	}

	transitions := make([]APITransition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, toAPITransition(row))
	}

	resp := APIHistoryResponse{
		Job:         toAPIJob(job),
		Transitions: transitions,
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIActivity returns recent observed transitions across all jobs.
// Window defaults to 24h, capped by the journal retention.
func (s *Server) handleAPIActivity(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.FormValue("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid window, expected a duration like 6h")
			return
		}
		window = d
	}

	limit := 50
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	rows, err := s.store.RecentActivity(r.Context(), time.Now().Add(-window), limit)
	if err != nil {
		log.Printf("[ERROR] failed to get recent activity: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}

	transitions := make([]APITransition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, toAPITransition(row))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"transitions": transitions,
		"window":      window.String(),
		"timestamp":   time.Now(),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
