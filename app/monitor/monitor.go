// Package monitor maintains a persistent SSE connection to the backend job
// stream. It parses job-update events, filters keep-alives, and reconnects
// with a fixed delay up to a bounded number of attempts. Attempts are not
// reset by a successful reconnect, only an explicit Reconnect call starts a
// fresh cycle with a clean counter.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/alnlab/alignview/app/backend"
)

// State of the stream connection
type State string

// connection states
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// maxEventSize limits a single SSE event, backend job documents are small
const maxEventSize = 1024 * 1024

// Config for Monitor
type Config struct {
	URL         string        // SSE endpoint, usually backend.Client.EventsURL()
	Client      *http.Client  // optional, must have no global timeout
	Delay       time.Duration // fixed delay between reconnect attempts, default 3s
	MaxAttempts int           // connection attempts per cycle, default 10
	Buffer      int           // updates channel buffer, default 100
	OnState     func(State)   // optional, called on every state change
}

// Monitor watches the backend job stream
type Monitor struct {
	url         string
	client      *http.Client
	delay       time.Duration
	maxAttempts int
	onState     func(State)

	updates chan backend.Job
	kick    chan struct{}

	mu    sync.RWMutex
	state State
}

// New creates a Monitor, not connected yet
func New(cfg Config) *Monitor {
	buffer := cfg.Buffer
	if buffer == 0 {
		buffer = 100
	}
	res := &Monitor{
		url:         cfg.URL,
		client:      cfg.Client,
		delay:       cfg.Delay,
		maxAttempts: cfg.MaxAttempts,
		onState:     cfg.OnState,
		updates:     make(chan backend.Job, buffer),
		kick:        make(chan struct{}, 1),
		state:       StateIdle,
	}
	if res.client == nil {
		res.client = &http.Client{} // no timeout, the stream lives long
	}
	if res.delay == 0 {
		res.delay = 3 * time.Second
	}
	if res.maxAttempts == 0 {
		res.maxAttempts = 10
	}
	return res
}

// Updates returns the channel of parsed, keep-alive-filtered job updates.
// Updates are dropped with a warning if the consumer lags behind.
func (m *Monitor) Updates() <-chan backend.Job { return m.updates }

// State returns the current connection state
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reconnect requests a fresh connection cycle with a reset attempt counter.
// Safe to call at any time, including while a stream is active.
func (m *Monitor) Reconnect() {
	select {
	case m.kick <- struct{}{}:
	default: // a reconnect is already pending
	}
}

// Run connects and keeps the stream alive until ctx is canceled. When the
// bounded reconnect attempts are exhausted it parks in disconnected state
// waiting for a manual Reconnect.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[INFO] start job stream monitor for %s, delay %v, max attempts %d", m.url, m.delay, m.maxAttempts)
	for {
		cycleCtx, cancel := context.WithCancel(ctx)
		kicked := &atomic.Bool{}
		go func() { // a manual reconnect aborts the running cycle
			select {
			case <-m.kick:
				kicked.Store(true)
				cancel()
			case <-cycleCtx.Done():
			}
		}()

		m.setState(StateConnecting)
		rep := repeater.New(&strategy.FixedDelay{Repeats: m.maxAttempts, Delay: m.delay})
		err := rep.Do(cycleCtx, func() error { return m.stream(cycleCtx) })
		cancel()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}
		if kicked.Load() {
			log.Printf("[INFO] manual reconnect, restarting job stream")
			continue
		}

		m.setState(StateDisconnected)
		log.Printf("[WARN] job stream lost after %d attempts: %v", m.maxAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.kick:
			log.Printf("[INFO] manual reconnect, restarting job stream")
		}
	}
}

// stream opens one SSE connection and pumps events until it breaks.
// Returns nil only when ctx is canceled.
func (m *Monitor) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("can't make stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.setState(StateReconnecting)
		return fmt.Errorf("can't connect job stream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		m.setState(StateReconnecting)
		return fmt.Errorf("job stream rejected with status %d", resp.StatusCode)
	}

	log.Printf("[INFO] job stream connected")
	m.setState(StateConnected)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	event := ""
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "": // blank line terminates an event
			m.dispatch(event, strings.Join(data, "\n"))
			event, data = "", nil
		case strings.HasPrefix(line, ":"): // SSE comment, used as keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		default: // id:, retry: and unknown fields ignored, reconnect policy is ours
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	m.setState(StateReconnecting)
	if err := sc.Err(); err != nil {
		return fmt.Errorf("job stream read failed: %w", err)
	}
	return errors.New("job stream closed by server")
}

// dispatch decodes one SSE event and forwards a job update. Keep-alives and
// payloads without a job id are filtered out.
func (m *Monitor) dispatch(event, payload string) {
	if payload == "" || event == "keepalive" || event == "ping" {
		return
	}
	if event != "" && event != "message" && event != "job" {
		log.Printf("[DEBUG] ignore stream event %q", event)
		return
	}

	var job backend.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		log.Printf("[DEBUG] can't decode job update: %v", err)
		return
	}
	if job.ID == "" {
		return
	}

	select {
	case m.updates <- job:
	default:
		log.Printf("[WARN] updates channel full, dropping update for job %s", job.ID)
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.onState != nil {
		m.onState(s)
	}
}
