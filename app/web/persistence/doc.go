// Package persistence keeps the UI-local journal of what the dashboard
// observed: job status transitions and delivered uploads. The backend is
// the source of truth for current state, this journal only powers the
// history modal, the activity panel and the daily digest. SQLite with
// WAL mode, accessed through sqlx.
package persistence
