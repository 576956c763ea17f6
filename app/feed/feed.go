// Package feed reconciles the paginated job snapshot with the live SSE
// update stream into one de-duplicated, sorted, filtered display list.
//
// Two collections are maintained: the base list holds pages fetched from the
// backend in server order (newest-first), the live map holds the most recent
// accepted update per job id. An update is accepted unless it is provably
// stale, i.e. both it and the stored entry carry update timestamps and the
// incoming one is older. The displayed list overlays live data onto the base
// list, adds live-only jobs that pass the active filter, de-duplicates by id
// with live winning, and sorts by creation time descending.
//
// Base jobs are not re-filtered locally: the backend already applied the
// active filter to the pages it served, and a job that stops matching after
// a live update stays visible rather than vanishing mid-view.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/alnlab/alignview/app/backend"
)

// Feed holds the reconciliation state. Thread safe, shared between the
// update pump and HTTP handlers.
type Feed struct {
	mu     sync.RWMutex
	base   []backend.Job
	live   map[string]backend.Job
	filter Filter
}

// Stats counts displayed jobs by status
type Stats struct {
	Total   int
	Pending int
	Running int
	Success int
	Failed  int
}

// New creates an empty Feed
func New() *Feed {
	return &Feed{live: map[string]backend.Job{}}
}

// Apply stores the update in the live map unless it is stale. An update is
// stale when the stored entry for the same job has a newer update timestamp,
// entries or updates without timestamps are always accepted. Returns whether
// the update was accepted and whether it changed the job's status.
func (f *Feed) Apply(u backend.Job) (accepted, statusChanged bool) {
	if u.ID == "" {
		return false, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.live[u.ID]
	if ok && !u.UpdatedAt.IsZero() && !cur.UpdatedAt.IsZero() && u.UpdatedAt.Before(cur.UpdatedAt.Time) {
		return false, false // stale, a newer update already stored
	}

	prev := cur.Status
	if !ok {
		prev = f.baseStatus(u.ID)
	}

	if ok {
		f.live[u.ID] = overlay(cur, u) // keep fields a slim update omitted
	} else {
		f.live[u.ID] = u
	}
	return true, u.Status != "" && u.Status != prev
}

// baseStatus finds the job's status in the base list, empty when absent
func (f *Feed) baseStatus(id string) backend.JobStatus {
	for _, j := range f.base {
		if j.ID == id {
			return j.Status
		}
	}
	return ""
}

// ReplaceBase swaps the base list with freshly fetched pages
func (f *Feed) ReplaceBase(jobs []backend.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = make([]backend.Job, len(jobs))
	copy(f.base, jobs)
}

// SetFilter changes the active filter predicate. The base list is expected
// to be refetched with the matching server-side query by the caller.
func (f *Feed) SetFilter(flt Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
}

// ActiveFilter returns the current filter
func (f *Feed) ActiveFilter() Filter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter
}

// Live returns the stored live entry for a job id
func (f *Feed) Live(id string) (backend.Job, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	j, ok := f.live[id]
	return j, ok
}

// Status returns the currently displayed status for a job id, live entry
// wins over the base list. Empty when the job is unknown.
func (f *Feed) Status(id string) backend.JobStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if j, ok := f.live[id]; ok && j.Status != "" {
		return j.Status
	}
	return f.baseStatus(id)
}

// Snapshot returns the displayed list: base overlaid by live, live-only jobs
// matching the active filter appended, de-duplicated by id, sorted by
// creation time descending.
func (f *Feed) Snapshot() []backend.Job {
	f.mu.RLock()
	defer f.mu.RUnlock()

	res := make([]backend.Job, 0, len(f.base)+len(f.live))
	seen := make(map[string]struct{}, len(f.base))

	for _, j := range f.base {
		if _, ok := seen[j.ID]; ok {
			continue // duplicate across pages, first occurrence wins
		}
		seen[j.ID] = struct{}{}
		if lv, ok := f.live[j.ID]; ok {
			j = overlay(j, lv)
		}
		res = append(res, j)
	}

	for id, lv := range f.live {
		if _, ok := seen[id]; ok {
			continue
		}
		if !f.filter.Matches(lv) {
			continue
		}
		res = append(res, lv)
	}

	sort.SliceStable(res, func(i, k int) bool {
		a, b := res[i], res[k]
		if a.CreatedAt.IsZero() != b.CreatedAt.IsZero() {
			return !a.CreatedAt.IsZero() // jobs without creation time go last
		}
		if !a.CreatedAt.EqualTime(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt.Time)
		}
		return a.ID < b.ID
	})

	return res
}

// Stats counts the displayed list by status
func (f *Feed) Stats() Stats {
	res := Stats{}
	for _, j := range f.Snapshot() {
		res.Total++
		switch j.Status {
		case backend.StatusPending:
			res.Pending++
		case backend.StatusRunning:
			res.Running++
		case backend.StatusSuccess:
			res.Success++
		case backend.StatusError:
			res.Failed++
		}
	}
	return res
}

// PruneLive drops terminal live entries not updated for the retention window,
// keeping the live map from growing without bound. Returns the number pruned.
// Entries still present in the base list are kept, their overlay is cheap and
// dropping them would revert displayed status.
func (f *Feed) PruneLive(olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	inBase := make(map[string]struct{}, len(f.base))
	for _, j := range f.base {
		inBase[j.ID] = struct{}{}
	}

	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for id, j := range f.live {
		if !j.Status.IsTerminal() {
			continue
		}
		if _, ok := inBase[id]; ok {
			continue
		}
		ts := j.UpdatedAt.Time
		if ts.IsZero() {
			ts = j.CreatedAt.Time
		}
		if ts.IsZero() || ts.Before(cutoff) {
			delete(f.live, id)
			pruned++
		}
	}
	return pruned
}

// overlay merges a live update onto a base entry, live fields win when set.
// Zero-valued live fields keep the base value so slim updates don't erase
// identity data the stream never carried.
func overlay(base, live backend.Job) backend.Job {
	res := base
	if live.Title != "" {
		res.Title = live.Title
	}
	if live.Tool != "" {
		res.Tool = live.Tool
	}
	if live.SourceID != "" {
		res.SourceID = live.SourceID
	}
	if live.SourceName != "" {
		res.SourceName = live.SourceName
	}
	if live.Status != "" {
		res.Status = live.Status
	}
	if !live.CreatedAt.IsZero() {
		res.CreatedAt = live.CreatedAt
	}
	if !live.UpdatedAt.IsZero() {
		res.UpdatedAt = live.UpdatedAt
	}
	if !live.StartedAt.IsZero() {
		res.StartedAt = live.StartedAt
	}
	if !live.FinishedAt.IsZero() {
		res.FinishedAt = live.FinishedAt
	}
	if live.ExitMessage != "" {
		res.ExitMessage = live.ExitMessage
	}
	if live.OutputID != "" {
		res.OutputID = live.OutputID
	}
	return res
}
