//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/rfctime"
)

// backendStub is an in-process alignment backend serving the REST and SSE
// surface the dashboard talks to. It starts with a fixed set of jobs and
// artifacts, mutates them on cancel/submit/upload, and pushes job updates
// to every event stream subscriber so tests can drive the live relay.
type backendStub struct {
	mu        sync.Mutex
	jobs      []backend.Job
	artifacts []backend.Artifact
	content   map[string][]byte
	seq       int
	subs      map[chan string]struct{}
	srv       *http.Server
}

func newBackendStub() *backendStub {
	now := time.Now()
	b := &backendStub{
		content: map[string][]byte{},
		subs:    map[chan string]struct{}{},
	}

	mk := func(n int, status backend.JobStatus, title, tool string) backend.Job {
		created := now.Add(-time.Duration(n) * time.Minute)
		job := backend.Job{
			ID:         fmt.Sprintf("j-%02d", n),
			Title:      title,
			Tool:       tool,
			SourceID:   fmt.Sprintf("src-%d", n),
			SourceName: fmt.Sprintf("sample-%d.fasta", n),
			Status:     status,
			CreatedAt:  rfctime.New(created),
		}
		if status == backend.StatusRunning {
			job.StartedAt = rfctime.New(created.Add(10 * time.Second))
		}
		if status.IsTerminal() {
			job.StartedAt = rfctime.New(created.Add(10 * time.Second))
			job.FinishedAt = rfctime.New(created.Add(45 * time.Second))
		}
		return job
	}

	// newest first, the order the listing returns
	b.jobs = append(b.jobs,
		mk(1, backend.StatusRunning, "outbreak core alignment", "mafft"),
		mk(2, backend.StatusRunning, "refined gap penalty rerun", "mafft"),
		mk(3, backend.StatusRunning, "16S rRNA batch", "minimap2"),
		mk(4, backend.StatusPending, "plasmid comparison", "mafft"),
	)
	failed := mk(5, backend.StatusError, "contig polish pass", "mafft")
	failed.ExitMessage = "mafft: killed, out of memory"
	b.jobs = append(b.jobs, failed)
	for n := 6; n <= 25; n++ {
		b.jobs = append(b.jobs, mk(n, backend.StatusSuccess, fmt.Sprintf("routine batch %02d", n), "mafft"))
	}

	b.artifacts = []backend.Artifact{
		{ID: "art-ref", Name: "reference.fasta", Kind: "source", Size: 48200, CreatedAt: rfctime.New(now.Add(-2 * time.Hour))},
		{ID: "art-aln", Name: "aligned-042.aln", Kind: "result", Size: 91450, CreatedAt: rfctime.New(now.Add(-1 * time.Hour))},
	}
	b.content["art-ref"] = []byte(">ref\nACGTACGTACGT\n")
	b.content["art-aln"] = []byte(">s1\nACGT-ACGT\n>s2\nACGTAACGT\n")
	return b
}

// start binds the listener before returning, the stub is reachable once
// this call succeeds
func (b *backendStub) start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", b.handleHealth)
	mux.HandleFunc("GET /api/v1/tools", b.handleTools)
	mux.HandleFunc("GET /api/v1/jobs", b.handleJobsList)
	mux.HandleFunc("GET /api/v1/jobs/events", b.handleEvents)
	mux.HandleFunc("GET /api/v1/jobs/{id}", b.handleJobGet)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", b.handleJobCancel)
	mux.HandleFunc("GET /api/v1/artifacts", b.handleArtifactsList)
	mux.HandleFunc("POST /api/v1/artifacts", b.handleArtifactUpload)
	mux.HandleFunc("GET /api/v1/artifacts/{id}", b.handleArtifactGet)
	mux.HandleFunc("DELETE /api/v1/artifacts/{id}", b.handleArtifactDelete)
	mux.HandleFunc("GET /api/v1/artifacts/{id}/content", b.handleArtifactContent)
	mux.HandleFunc("POST /api/v1/analyses", b.handleAnalysisSubmit)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stub backend can't listen on %s: %w", addr, err)
	}
	// no write timeout, the event stream stays open for the whole run
	b.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = b.srv.Serve(ln) }()
	return nil
}

func (b *backendStub) stop() {
	if b.srv != nil {
		_ = b.srv.Close()
	}
}

// broadcastJob stores the new job state and pushes it to every stream
// subscriber, the same document a real backend emits on a status change
func (b *backendStub) broadcastJob(job backend.Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.jobs {
		if b.jobs[i].ID == job.ID {
			b.jobs[i] = job
			break
		}
	}
	for ch := range b.subs {
		select {
		case ch <- string(data):
		default: // slow subscriber, drop
		}
	}
}

func (b *backendStub) job(id string) (backend.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return backend.Job{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backendStub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, backend.Health{Status: "ok", Version: "e2e-stub"})
}

func (b *backendStub) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []backend.Tool{
		{ID: "mafft", Name: "MAFFT", Version: "7.526"},
		{ID: "minimap2", Name: "Minimap2", Version: "2.28"},
	})
}

func (b *backendStub) handleJobsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	b.mu.Lock()
	var match []backend.Job
	for _, j := range b.jobs {
		if v := q.Get("source"); v != "" && j.SourceID != v {
			continue
		}
		if v := q.Get("tool"); v != "" && j.Tool != v {
			continue
		}
		if v := q.Get("status"); v != "" && string(j.Status) != v {
			continue
		}
		if v := q.Get("from"); v != "" && j.CreatedAt.DateString() < v {
			continue
		}
		if v := q.Get("to"); v != "" && j.CreatedAt.DateString() > v {
			continue
		}
		match = append(match, j)
	}
	b.mu.Unlock()

	total := len(match)
	lo := min((page-1)*perPage, total)
	hi := min(lo+perPage, total)
	writeJSON(w, http.StatusOK, backend.Page[backend.Job]{Items: match[lo:hi], Page: page, PerPage: perPage, Total: total})
}

func (b *backendStub) handleJobGet(w http.ResponseWriter, r *http.Request) {
	if j, ok := b.job(r.PathValue("id")); ok {
		writeJSON(w, http.StatusOK, j)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
}

func (b *backendStub) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := b.job(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	j.Status = backend.StatusError
	j.ExitMessage = "canceled by operator"
	j.FinishedAt = rfctime.New(time.Now())
	b.broadcastJob(j)
	writeJSON(w, http.StatusOK, j)
}

func (b *backendStub) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ch := make(chan string, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	_, _ = fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	ping := time.NewTicker(time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			fl.Flush()
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			fl.Flush()
		}
	}
}

func (b *backendStub) handleArtifactsList(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	b.mu.Lock()
	var match []backend.Artifact
	for _, a := range b.artifacts {
		if kind != "" && a.Kind != kind {
			continue
		}
		match = append(match, a)
	}
	b.mu.Unlock()

	total := len(match)
	lo := min((page-1)*perPage, total)
	hi := min(lo+perPage, total)
	writeJSON(w, http.StatusOK, backend.Page[backend.Artifact]{Items: match[lo:hi], Page: page, PerPage: perPage, Total: total})
}

func (b *backendStub) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file in the request"})
		return
	}
	defer file.Close() //nolint:errcheck // multipart temp file
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "can't read the file"})
		return
	}

	b.mu.Lock()
	b.seq++
	art := backend.Artifact{
		ID:        fmt.Sprintf("art-up-%d", b.seq),
		Name:      hdr.Filename,
		Kind:      r.FormValue("kind"),
		Size:      int64(len(data)),
		CreatedAt: rfctime.New(time.Now()),
	}
	b.artifacts = append([]backend.Artifact{art}, b.artifacts...)
	b.content[art.ID] = data
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, art)
}

func (b *backendStub) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.artifacts {
		if a.ID == r.PathValue("id") {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
}

func (b *backendStub) handleArtifactDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range b.artifacts {
		if a.ID == id {
			b.artifacts = append(b.artifacts[:i], b.artifacts[i+1:]...)
			delete(b.content, id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
}

func (b *backendStub) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	data, ok := b.content[id]
	name := ""
	for _, a := range b.artifacts {
		if a.ID == id {
			name = a.Name
			break
		}
	}
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(data)
}

func (b *backendStub) handleAnalysisSubmit(w http.ResponseWriter, r *http.Request) {
	var req backend.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	b.mu.Lock()
	b.seq++
	job := backend.Job{
		ID:        fmt.Sprintf("j-e2e-%d", b.seq),
		Title:     req.Title,
		Tool:      req.Tool,
		SourceID:  req.SourceID,
		Status:    backend.StatusPending,
		CreatedAt: rfctime.New(time.Now()),
	}
	for _, a := range b.artifacts {
		if a.ID == req.SourceID {
			job.SourceName = a.Name
			break
		}
	}
	b.jobs = append([]backend.Job{job}, b.jobs...)
	b.mu.Unlock()

	b.broadcastJob(job)
	writeJSON(w, http.StatusCreated, job)
}
