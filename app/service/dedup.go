package service

import (
	"sync"
	"time"
)

// DeDup implements thread safe map to register notification keys in order to
// prevent double delivery. The stream replays recent events after a reconnect,
// without registration every replay of a terminal transition would notify again.
type DeDup struct {
	sent    map[string]time.Time
	lock    sync.Mutex
	enabled bool
	ttl     time.Duration
}

// NewDeDup creates DeDup keeping keys for the given ttl. Object safe to use
// with default params (disabled).
func NewDeDup(enabled bool, ttl time.Duration) *DeDup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DeDup{sent: make(map[string]time.Time), enabled: enabled, ttl: ttl}
}

// Add key to the map, fail if already in and not expired yet
func (d *DeDup) Add(key string) bool {
	if !d.enabled {
		return true
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	now := time.Now()
	for k, ts := range d.sent {
		if now.Sub(ts) > d.ttl {
			delete(d.sent, k)
		}
	}

	if ts, found := d.sent[key]; found && now.Sub(ts) <= d.ttl {
		return false
	}
	d.sent[key] = now
	return true
}

// Remove key from the map. Safe to call multiple times
func (d *DeDup) Remove(key string) {
	if !d.enabled {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.sent, key)
}
