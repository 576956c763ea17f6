// Package spool journals analysis submissions the backend couldn't take,
// one JSON file per submission. Spooled entries survive restarts and are
// redelivered in the background until the backend accepts them, entries
// older than a day are dropped as expired.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/alnlab/alignview/app/backend"
)

// maxAge after which a spooled submission is dropped instead of delivered
const maxAge = 24 * time.Hour

// Spool keeps undelivered submissions in .align files
type Spool struct {
	location string
	enabled  bool
	seq      uint64
}

// Entry is one spooled submission
type Entry struct {
	Req   backend.AnalysisRequest
	Fname string
}

// New makes a spool for the given location. Disabled spool accepts nothing
// and lists nothing.
func New(location string, enabled bool) *Spool {
	if enabled {
		if err := os.MkdirAll(location, 0o700); err != nil {
			log.Printf("[DEBUG] can't make %s, %s", location, err)
		}
	}
	return &Spool{location: location, enabled: enabled}
}

// OnSubmit writes the submission as ts-seq.align, returns the file name
func (s *Spool) OnSubmit(req backend.AnalysisRequest) (string, error) {
	if !s.enabled {
		return "", fmt.Errorf("submission spool disabled")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("can't encode submission: %w", err)
	}
	seq := atomic.AddUint64(&s.seq, 1)
	fname := fmt.Sprintf("%s/%d-%d.align", s.location, time.Now().UnixNano(), seq)
	log.Printf("[DEBUG] create spool file %s", fname)
	return fname, os.WriteFile(fname, data, 0o600)
}

// OnDelivered removes the spool file after the backend accepted it
func (s *Spool) OnDelivered(fname string) error {
	if !s.enabled {
		return nil
	}
	log.Printf("[DEBUG] delete spool file %s", fname)
	return os.Remove(fname)
}

// List spooled submissions in arrival order, dropping expired files
func (s *Spool) List() (res []Entry) {
	if !s.enabled {
		return []Entry{}
	}

	entries, err := os.ReadDir(s.location)
	if err != nil {
		log.Printf("[WARN] can't get spool list for %s, %s", s.location, err)
		return []Entry{}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".align") {
			continue
		}

		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get spool info for %s, %s", entry.Name(), err)
			continue
		}

		fileName := path.Join(s.location, finfo.Name())
		if finfo.ModTime().Add(maxAge).Before(time.Now()) {
			log.Printf("[DEBUG] spool file %s too old", fileName)
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
			}
			continue
		}

		data, err := os.ReadFile(fileName) // nolint:gosec // reads from our own spool dir
		if err != nil {
			log.Printf("[WARN] failed to read spool file %s, %s", fileName, err)
			continue
		}
		var req backend.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[WARN] corrupted spool file %s dropped, %s", fileName, err)
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
			}
			continue
		}
		res = append(res, Entry{Fname: fileName, Req: req})
	}

	// file names start with the submission timestamp, name order is arrival order
	sort.Slice(res, func(i, j int) bool { return res[i].Fname < res[j].Fname })
	return res
}

func (s *Spool) String() string {
	return fmt.Sprintf("enabled:%v, location:%s", s.enabled, s.location)
}
