package web

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/backend"
)

// backendInfoTTL keeps settings modal opens from hammering the backend
const backendInfoTTL = 30 * time.Second

// BackendInfo is a snapshot of backend health and available tools
type BackendInfo struct {
	Health    backend.Health
	Tools     []backend.Tool
	Reachable bool
	CheckedAt time.Time
}

// backendInfo returns the cached snapshot, refreshing it when stale
func (s *Server) backendInfo(ctx context.Context) BackendInfo {
	s.infoMu.RLock()
	if !s.infoCached.IsZero() && time.Since(s.infoCached) < backendInfoTTL {
		info := s.infoCache
		s.infoMu.RUnlock()
		return info
	}
	s.infoMu.RUnlock()

	info := s.fetchBackendInfo(ctx)

	s.infoMu.Lock()
	s.infoCache = info
	s.infoCached = time.Now()
	s.infoMu.Unlock()

	return info
}

// fetchBackendInfo queries health and the tool list. An unreachable backend
// yields a snapshot with Reachable false rather than an error, the settings
// modal shows the state either way.
func (s *Server) fetchBackendInfo(ctx context.Context) BackendInfo {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info := BackendInfo{CheckedAt: time.Now()}

	health, err := s.backend.Health(ctx)
	if err != nil {
		log.Printf("[WARN] backend health check failed: %v", err)
		return info
	}
	info.Health = health
	info.Reachable = true

	tools, err := s.backend.ListTools(ctx)
	if err != nil {
		log.Printf("[WARN] failed to list backend tools: %v", err)
		return info
	}
	info.Tools = tools

	return info
}
