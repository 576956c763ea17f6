// Package service provides top level tracker. Combines all elements (monitor, feed,
// spool sweeper and notifications) together
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/notify"
	"github.com/alnlab/alignview/app/service/request"
	"github.com/alnlab/alignview/app/spool"
)

// Tracker is a top-level service wiring monitor, feed and spool together and providing
// the main entry point (blocking) to start the process
type Tracker struct {
	Feed            Feed
	Monitor         Monitor
	Submitter       Submitter
	Spool           Spool
	Notifier        Notifier
	DeDup           Dedupper
	JobEventHandler JobEventHandler
	DigestSource    DigestSource
	Resyncer        Resyncer
	Repeater        Repeater
	Cron            Cron

	HostName         string
	NotifyTimeout    time.Duration
	ResyncEvery      time.Duration
	PruneEvery       time.Duration
	PruneAge         time.Duration
	SweepEvery       time.Duration
	SweepConcurrency int
	DigestSchedule   string

	resyncKick   chan struct{}
	wasConnected atomic.Bool
	sweeping     atomic.Bool
	cronStarted  bool
	digestMu     sync.Mutex
	lastDigest   time.Time
}

// Feed reconciles the paginated base list with live updates
type Feed interface {
	Apply(u backend.Job) (accepted, statusChanged bool)
	Status(id string) backend.JobStatus
	Live(id string) (backend.Job, bool)
	PruneLive(olderThan time.Duration) int
}

// Monitor is the live job update stream
type Monitor interface {
	Run(ctx context.Context) error
	Updates() <-chan backend.Job
}

// Submitter delivers analysis requests to the backend
type Submitter interface {
	SubmitAnalysis(ctx context.Context, req backend.AnalysisRequest) (backend.Job, error)
}

// Spool keeps analysis requests the backend refused to take
type Spool interface {
	List() []spool.Entry
	OnDelivered(fname string) error
	String() string
}

// Notifier interface defines notification delivery on terminal transitions
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	IsOnDigest() bool
	MakeErrorHTML(job backend.Job) (string, error)
	MakeCompletionHTML(job backend.Job) (string, error)
	MakeDigestHTML(since time.Time, rows []notify.DigestRow) (string, error)
}

// Dedupper defines a locking primitive to register/unregister notification keys
// in order to prevent dbl delivery on replayed events
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// JobEventHandler defines interface for handling job update events
type JobEventHandler interface {
	OnJobUpdate(req request.OnJobUpdate)
}

// DigestSource provides terminal transitions recorded since the given time
type DigestSource interface {
	RecentTransitions(since time.Time) ([]notify.DigestRow, error)
}

// Resyncer refetches the base job list from the backend
type Resyncer interface {
	ResyncBase(ctx context.Context) error
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Cron interface defines basic robfig/cron methods used by the digest scheduler
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Do runs blocking tracker. Starts the monitor, pumps live updates into the feed,
// fans events out to the web handler and notifier, and runs the maintenance loops.
func (t *Tracker) Do(ctx context.Context) {
	if t.NotifyTimeout <= 0 {
		t.NotifyTimeout = 30 * time.Second
	}
	if t.SweepConcurrency <= 0 {
		t.SweepConcurrency = 1
	}
	if t.PruneEvery <= 0 {
		t.PruneEvery = 10 * time.Minute
	}
	if t.PruneAge <= 0 {
		t.PruneAge = time.Hour
	}
	if t.resyncKick == nil {
		t.resyncKick = make(chan struct{}, 1)
	}

	if t.Spool != nil && !reflect.ValueOf(t.Spool).IsNil() && t.SweepEvery > 0 {
		log.Printf("[INFO] spool sweeper activated for %s", t.Spool.String())
		go t.sweepSpool(ctx)
	}
	if t.ResyncEvery > 0 {
		go t.resyncLoop(ctx)
	}
	go t.pruneLoop(ctx)

	if err := t.scheduleDigest(ctx); err != nil {
		log.Printf("[WARN] digest disabled, %v", err)
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := t.Monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[WARN] monitor terminated, %v", err)
		}
	}()

	updates := t.Monitor.Updates()
	for {
		select {
		case u := <-updates:
			t.processUpdate(ctx, u)
		case <-ctx.Done():
			log.Print("[DEBUG] terminate")
			<-monitorDone
			if t.cronStarted {
				<-t.Cron.Stop().Done()
			}
			return
		}
	}
}

// processUpdate reconciles a single live update and fans out the resulting event
func (t *Tracker) processUpdate(ctx context.Context, u backend.Job) {
	prev := t.Feed.Status(u.ID)
	accepted, changed := t.Feed.Apply(u)

	if t.JobEventHandler != nil && !reflect.ValueOf(t.JobEventHandler).IsNil() {
		t.JobEventHandler.OnJobUpdate(request.OnJobUpdate{Job: u, Previous: prev, Accepted: accepted, StatusChanged: changed})
	}

	if !accepted {
		log.Printf("[DEBUG] stale update for job %s discarded", u.ID)
		return
	}
	if changed {
		log.Printf("[INFO] job %s %s -> %s", u.ID, orUnknown(prev), u.Status)
	}

	if changed && u.Status.IsTerminal() {
		job := u
		if full, ok := t.Feed.Live(u.ID); ok {
			job = full // slim updates lack identity fields, notify with the overlaid entry
		}
		ctxTimeout, cancel := context.WithTimeout(ctx, t.NotifyTimeout)
		defer cancel()
		if err := t.notify(ctxTimeout, job); err != nil {
			log.Printf("[WARN] failed to notify, %v", err)
		}
	}
}

// notify sends the terminal transition message if the corresponding kind is
// enabled and the job+status key was not delivered already
func (t *Tracker) notify(ctx context.Context, job backend.Job) error {
	if t.Notifier == nil || reflect.ValueOf(t.Notifier).IsNil() {
		return nil
	}

	onError := job.Status == backend.StatusError && t.Notifier.IsOnError()
	onDone := job.Status == backend.StatusSuccess && t.Notifier.IsOnCompletion()
	if !onError && !onDone {
		return nil
	}

	key := job.ID + "#" + string(job.Status)
	if t.DeDup != nil && !t.DeDup.Add(key) {
		log.Printf("[DEBUG] duplicated notification %q ignored", key)
		return nil
	}

	var msg, subj string
	var err error
	if onError {
		msg, err = t.Notifier.MakeErrorHTML(job)
		subj = fmt.Sprintf("failed %s on %s", t.jobDescription(job), t.HostName)
	} else {
		msg, err = t.Notifier.MakeCompletionHTML(job)
		subj = fmt.Sprintf("completed %s on %s", t.jobDescription(job), t.HostName)
	}
	if err != nil {
		return fmt.Errorf("can't make html message: %w", err)
	}

	if err := t.Notifier.Send(ctx, subj, msg); err != nil {
		if t.DeDup != nil {
			t.DeDup.Remove(key) // let a later replay retry the delivery
		}
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// OnMonitorState reacts on stream state changes. A connection recovered after
// a drop triggers an immediate base resync to fill the update gap.
func (t *Tracker) OnMonitorState(st monitor.State) {
	if st != monitor.StateConnected {
		return
	}
	if !t.wasConnected.Swap(true) {
		return // first connect, initial load covers it
	}
	select {
	case t.resyncKick <- struct{}{}:
	default:
	}
}

// sweepSpool retries spooled submissions, once at start and then periodically
func (t *Tracker) sweepSpool(ctx context.Context) {
	t.deliverSpooled(ctx)

	ticker := time.NewTicker(t.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.deliverSpooled(ctx)
		}
	}
}

// deliverSpooled submits all parked entries with bounded concurrency. A slow
// sweep must not overlap the next tick, the same entry would deliver twice.
func (t *Tracker) deliverSpooled(ctx context.Context) {
	if !t.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer t.sweeping.Store(false)

	entries := t.Spool.List()
	if len(entries) == 0 {
		return
	}
	log.Printf("[INFO] spooled submissions detected - %d entries", len(entries))

	gr := syncs.NewSizedGroup(t.SweepConcurrency, syncs.Context(ctx))
	for _, entry := range entries {
		time.Sleep(time.Millisecond * 100) // keep some time between submissions and prevent reordering if no concurrency
		gr.Go(func(ctx context.Context) {
			err := t.Repeater.Do(ctx, func() error {
				_, e := t.Submitter.SubmitAnalysis(ctx, entry.Req)
				return e
			})
			if err != nil {
				log.Printf("[WARN] failed to deliver spooled %s, %v", entry.Fname, err)
				return
			}
			if err := t.Spool.OnDelivered(entry.Fname); err != nil {
				log.Printf("[WARN] failed to finish spool entry %s, %v", entry.Fname, err)
				return
			}
			log.Printf("[INFO] delivered spooled submission %s", entry.Fname)
		})
	}
	gr.Wait()
}

// resyncLoop refetches the base list periodically and on reconnect kicks,
// catching jobs the stream missed while disconnected
func (t *Tracker) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(t.ResyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.resync(ctx)
		case <-t.resyncKick:
			log.Printf("[INFO] stream recovered, resync base list")
			t.resync(ctx)
		}
	}
}

func (t *Tracker) resync(ctx context.Context) {
	if t.Resyncer == nil || reflect.ValueOf(t.Resyncer).IsNil() {
		return
	}
	if err := t.Resyncer.ResyncBase(ctx); err != nil {
		log.Printf("[WARN] base resync failed, %v", err)
		return
	}
	log.Printf("[DEBUG] base list resynced")
}

// pruneLoop keeps the live map from growing without bound
func (t *Tracker) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(t.PruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Feed.PruneLive(t.PruneAge); n > 0 {
				log.Printf("[DEBUG] pruned %d stale live entries", n)
			}
		}
	}
}

// scheduleDigest registers the digest cron job when a schedule is set and the
// notifier has digests enabled
func (t *Tracker) scheduleDigest(ctx context.Context) error {
	if t.DigestSchedule == "" || t.Cron == nil {
		return nil
	}
	if t.Notifier == nil || reflect.ValueOf(t.Notifier).IsNil() || !t.Notifier.IsOnDigest() {
		return nil
	}
	if t.DigestSource == nil || reflect.ValueOf(t.DigestSource).IsNil() {
		return nil
	}

	sched, err := cron.ParseStandard(t.DigestSchedule)
	if err != nil {
		return fmt.Errorf("can't parse %s: %w", t.DigestSchedule, err)
	}

	t.setLastDigest(time.Now())
	t.Cron.Schedule(sched, cron.FuncJob(func() { t.sendDigest(ctx) }))
	t.Cron.Start()
	t.cronStarted = true
	log.Printf("[INFO] digest scheduled %q, first: %s", t.DigestSchedule, sched.Next(time.Now()).Format(time.RFC3339))
	return nil
}

// sendDigest delivers the summary of transitions since the previous digest
func (t *Tracker) sendDigest(ctx context.Context) {
	since := t.getLastDigest()
	rows, err := t.DigestSource.RecentTransitions(since)
	if err != nil {
		log.Printf("[WARN] failed to load digest rows, %v", err)
		return
	}
	t.setLastDigest(time.Now())

	if len(rows) == 0 {
		log.Printf("[DEBUG] no activity since %s, digest skipped", since.Format(time.RFC3339))
		return
	}

	msg, err := t.Notifier.MakeDigestHTML(since, rows)
	if err != nil {
		log.Printf("[WARN] can't make digest, %v", err)
		return
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, t.NotifyTimeout)
	defer cancel()
	subj := fmt.Sprintf("alignment digest on %s", t.HostName)
	if err := t.Notifier.Send(ctxTimeout, subj, msg); err != nil {
		log.Printf("[WARN] failed to send digest, %v", err)
	}
}

func (t *Tracker) getLastDigest() time.Time {
	t.digestMu.Lock()
	defer t.digestMu.Unlock()
	return t.lastDigest
}

func (t *Tracker) setLastDigest(ts time.Time) {
	t.digestMu.Lock()
	defer t.digestMu.Unlock()
	t.lastDigest = ts
}

// jobDescription returns a formatted job description with title if available
func (t *Tracker) jobDescription(job backend.Job) string {
	if job.Title != "" {
		return fmt.Sprintf("%q (%s)", job.Title, job.ID)
	}
	return job.ID
}

func orUnknown(st backend.JobStatus) string {
	if st == "" {
		return "UNKNOWN"
	}
	return string(st)
}
