package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/feed"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/rfctime"
	"github.com/alnlab/alignview/app/service/request"
)

// recvEvent reads one buffered SSE relay message, failing when none arrived
func recvEvent(t *testing.T, ch chan string) sseEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var ev sseEvent
		require.NoError(t, json.Unmarshal([]byte(msg), &ev))
		return ev
	default:
		t.Fatal("no event broadcast")
		return sseEvent{}
	}
}

func TestServer_OnJobUpdate(t *testing.T) {
	t.Run("journals status change with overlay fields", func(t *testing.T) {
		f := feed.New()
		srv, err := New(Config{
			Backend: &testBackend{}, Feed: f,
			DBPath: filepath.Join(t.TempDir(), "t.db"),
		})
		require.NoError(t, err)
		defer srv.store.Close() //nolint:errcheck // test cleanup

		now := time.Now()
		first := makeJob("j-1", backend.StatusRunning, now.Add(-time.Hour))
		first.UpdatedAt = rfctime.New(now.Add(-time.Minute))
		accepted, _ := f.Apply(first)
		require.True(t, accepted)

		// the follow-up event carries only the changed fields
		slim := backend.Job{
			ID: "j-1", Status: backend.StatusSuccess,
			ExitMessage: "aligned 128 sequences",
			UpdatedAt:   rfctime.New(now),
		}
		accepted, changed := f.Apply(slim)
		require.True(t, accepted)
		require.True(t, changed)

		ch, cancel := srv.subscribe()
		defer cancel()

		srv.OnJobUpdate(request.OnJobUpdate{
			Job: slim, Previous: backend.StatusRunning,
			Accepted: true, StatusChanged: true,
		})

		rows, err := srv.store.JobHistory(context.Background(), "j-1", 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "alignment j-1", rows[0].Title, "identity comes from the overlaid entry")
		assert.Equal(t, "mafft", rows[0].Tool)
		assert.Equal(t, backend.StatusRunning, rows[0].From)
		assert.Equal(t, backend.StatusSuccess, rows[0].Status)
		assert.Equal(t, "aligned 128 sequences", rows[0].ExitMessage)
		assert.False(t, rows[0].RecordedAt.IsZero())

		ev := recvEvent(t, ch)
		assert.Equal(t, "job-update", ev.Type)
		assert.Equal(t, "j-1", ev.JobID)
		assert.Equal(t, "SUCCESS", ev.Status)
	})

	t.Run("relays update without status change, no journal row", func(t *testing.T) {
		srv := makeTestServer(t, nil)
		ch, cancel := srv.subscribe()
		defer cancel()

		srv.OnJobUpdate(request.OnJobUpdate{
			Job:      backend.Job{ID: "j-2", Status: backend.StatusRunning},
			Accepted: true, StatusChanged: false,
		})

		rows, err := srv.store.JobHistory(context.Background(), "j-2", 10)
		require.NoError(t, err)
		assert.Empty(t, rows)

		ev := recvEvent(t, ch)
		assert.Equal(t, "job-update", ev.Type)
		assert.Equal(t, "j-2", ev.JobID)
	})

	t.Run("stale update dropped entirely", func(t *testing.T) {
		srv := makeTestServer(t, nil)
		ch, cancel := srv.subscribe()
		defer cancel()

		srv.OnJobUpdate(request.OnJobUpdate{
			Job:      backend.Job{ID: "j-3", Status: backend.StatusPending},
			Accepted: false,
		})

		rows, err := srv.store.JobHistory(context.Background(), "j-3", 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.Empty(t, ch, "stale updates are not relayed")
	})
}

func TestServer_OnMonitorState(t *testing.T) {
	srv := makeTestServer(t, nil)
	ch, cancel := srv.subscribe()
	defer cancel()

	srv.OnMonitorState(monitor.StateReconnecting)

	ev := recvEvent(t, ch)
	assert.Equal(t, "monitor-state", ev.Type)
	assert.Equal(t, "reconnecting", ev.State)
	assert.Empty(t, ev.JobID)
}

func TestServer_ResyncBase(t *testing.T) {
	now := time.Now()
	src := []backend.Job{
		makeJob("j-1", backend.StatusRunning, now),
		makeJob("j-2", backend.StatusPending, now.Add(-time.Minute)),
		makeJob("j-3", backend.StatusPending, now.Add(-2*time.Minute)),
	}
	bk := &testBackend{listJobs: func(page, perPage int, q backend.JobsQuery) (backend.Page[backend.Job], error) {
		return pagedJobs(src)(page, perPage, q)
	}}
	srv, err := New(Config{
		Backend: bk, Feed: feed.New(),
		DBPath: filepath.Join(t.TempDir(), "t.db"), PerPage: 2,
	})
	require.NoError(t, err)
	defer srv.store.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	_, err = srv.pager.LoadMore(ctx)
	require.NoError(t, err)
	_, err = srv.pager.LoadMore(ctx)
	require.NoError(t, err)
	srv.feed.ReplaceBase(srv.pager.Items())
	require.Len(t, srv.feed.Snapshot(), 3)

	// the backend state moved on, a resync picks it up across all loaded pages
	src[0].Status = backend.StatusSuccess
	require.NoError(t, srv.ResyncBase(ctx))

	snap := srv.feed.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, backend.StatusSuccess, snap[0].Status)
}

func TestServer_ResyncBase_fetchError(t *testing.T) {
	now := time.Now()
	healthy := true
	bk := &testBackend{listJobs: func(page, perPage int, q backend.JobsQuery) (backend.Page[backend.Job], error) {
		if !healthy {
			return backend.Page[backend.Job]{}, &url.Error{Op: "Get", URL: "http://backend", Err: fmt.Errorf("refused")}
		}
		return backend.Page[backend.Job]{
			Items: []backend.Job{makeJob("j-1", backend.StatusRunning, now)}, Total: 1,
		}, nil
	}}
	srv := makeTestServer(t, bk)

	ctx := context.Background()
	_, err := srv.pager.LoadMore(ctx)
	require.NoError(t, err)
	srv.feed.ReplaceBase(srv.pager.Items())

	healthy = false
	require.Error(t, srv.ResyncBase(ctx))
	assert.Len(t, srv.feed.Snapshot(), 1, "failed resync keeps the old list")
}

func TestServer_RecentTransitions(t *testing.T) {
	srv := makeTestServer(t, nil)
	ctx := context.Background()

	for _, tr := range []request.RecordTransition{
		{JobID: "j-1", Title: "first", Tool: "mafft", From: backend.StatusRunning, Status: backend.StatusSuccess},
		{JobID: "j-2", Title: "second", Tool: "muscle", From: backend.StatusRunning, Status: backend.StatusError},
		{JobID: "j-3", Title: "third", Tool: "mafft", From: backend.StatusPending, Status: backend.StatusRunning},
	} {
		require.NoError(t, srv.store.RecordTransition(ctx, tr))
	}

	rows, err := srv.RecentTransitions(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2, "only terminal transitions feed the digest")

	assert.Equal(t, "j-1", rows[0].JobID)
	assert.Equal(t, "first", rows[0].Title)
	assert.Equal(t, "mafft", rows[0].Tool)
	assert.Equal(t, backend.StatusSuccess, rows[0].Status)
	assert.False(t, rows[0].When.IsZero())

	assert.Equal(t, "j-2", rows[1].JobID)
	assert.Equal(t, backend.StatusError, rows[1].Status)
}

func TestServer_subscribe(t *testing.T) {
	srv := makeTestServer(t, nil)

	ch1, cancel1 := srv.subscribe()
	ch2, cancel2 := srv.subscribe()
	defer cancel2()

	srv.broadcast(sseEvent{Type: "job-update", JobID: "j-1"})
	assert.Equal(t, "j-1", recvEvent(t, ch1).JobID)
	assert.Equal(t, "j-1", recvEvent(t, ch2).JobID)

	// canceled subscriber drops out
	cancel1()
	srv.broadcast(sseEvent{Type: "job-update", JobID: "j-2"})
	assert.Empty(t, ch1)
	assert.Equal(t, "j-2", recvEvent(t, ch2).JobID)
}

func TestServer_broadcastSlowSubscriber(t *testing.T) {
	srv := makeTestServer(t, nil)

	slow, cancel := srv.subscribe()
	defer cancel()

	// fill the buffer, further events must be dropped without blocking
	for i := 0; i < cap(slow); i++ {
		slow <- "stuffed"
	}

	done := make(chan struct{})
	go func() {
		srv.broadcast(sseEvent{Type: "job-update", JobID: "j-9"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	assert.Len(t, slow, cap(slow), "nothing was added past the buffer")
}
