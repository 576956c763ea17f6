package web

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/notify"
	"github.com/alnlab/alignview/app/service/request"
)

// journalTimeout bounds database writes triggered by stream events
const journalTimeout = 5 * time.Second

// sseEvent is one message relayed to browser subscribers
type sseEvent struct {
	Type   string `json:"type"` // "job-update" or "monitor-state"
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	State  string `json:"state,omitempty"`
}

// OnJobUpdate implements the tracker's job event handler. Accepted status
// changes are journaled, every accepted update is relayed to SSE
// subscribers so open dashboards re-render.
func (s *Server) OnJobUpdate(req request.OnJobUpdate) {
	if !req.Accepted {
		return // stale replay, nothing new to show or record
	}

	if req.StatusChanged {
		job := req.Job
		if live, ok := s.feed.Live(job.ID); ok {
			job = live // the overlaid entry carries identity fields slim updates lack
		}

		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		err := s.store.RecordTransition(ctx, request.RecordTransition{
			JobID:       job.ID,
			Title:       job.Title,
			Tool:        job.Tool,
			SourceID:    job.SourceID,
			From:        req.Previous,
			Status:      job.Status,
			ExitMessage: job.ExitMessage,
			CreatedAt:   job.CreatedAt.Time,
			UpdatedAt:   job.UpdatedAt.Time,
		})
		if err != nil {
			log.Printf("[WARN] failed to journal transition for job %s: %v", job.ID, err)
		}
	}

	s.broadcast(sseEvent{Type: "job-update", JobID: req.Job.ID, Status: string(req.Job.Status)})
}

// OnMonitorState relays stream connection changes to open dashboards
func (s *Server) OnMonitorState(st monitor.State) {
	s.broadcast(sseEvent{Type: "monitor-state", State: string(st)})
}

// ResyncBase implements the tracker's resyncer: refetch every loaded page
// and swap the base list in one shot
func (s *Server) ResyncBase(ctx context.Context) error {
	if err := s.pager.Reload(ctx); err != nil {
		return err
	}
	s.feed.ReplaceBase(s.pager.Items())
	return nil
}

// RecentTransitions implements the tracker's digest source, mapping journal
// rows to digest entries
func (s *Server) RecentTransitions(since time.Time) ([]notify.DigestRow, error) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	rows, err := s.store.RecentTransitions(ctx, since)
	if err != nil {
		return nil, err
	}

	res := make([]notify.DigestRow, 0, len(rows))
	for _, r := range rows {
		res = append(res, notify.DigestRow{
			JobID:  r.JobID,
			Title:  r.Title,
			Tool:   r.Tool,
			Status: r.Status,
			When:   r.RecordedAt,
		})
	}
	return res, nil
}

// subscribe registers an SSE relay subscriber, returns the channel and an
// unsubscribe func
func (s *Server) subscribe() (ch chan string, cancel func()) {
	ch = make(chan string, 10)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}
}

// broadcast sends the event to every subscriber, dropping it for slow ones.
// A browser that missed an event recovers on the next poll cycle.
func (s *Server) broadcast(ev sseEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WARN] failed to encode SSE event: %v", err)
		return
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- string(data):
		default:
		}
	}
}
