package fileops

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/oplog"
)

// maybeRunGC runs the retention sweep if the throttle interval has elapsed
// since the last pass. Called from every delete-or-trash operation and once
// at construction; failures never propagate to the calling operation.
func (s *Service) maybeRunGC() {
	s.gcMu.Lock()
	if !s.lastGC.IsZero() && time.Since(s.lastGC) < s.cfg.GCThrottle {
		s.gcMu.Unlock()
		return
	}
	s.lastGC = time.Now()
	s.gcMu.Unlock()

	s.sweepTrash()
}

// sweepTrash removes trash entries older than the retention window. For each
// top-level entry the archived timestamp comes from meta.json when readable,
// falling back to the entry's own mtime.
func (s *Service) sweepTrash() {
	trashAbs, err := s.sb.Resolve(trashDirName, true)
	if err != nil {
		logging.L_warn("fileops: gc cannot resolve trash dir", "error", err)
		return
	}
	entries, err := os.ReadDir(trashAbs)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L_warn("fileops: gc cannot list trash dir", "error", err)
		}
		return
	}

	cutoff := time.Now().UnixMilli() - int64(s.cfg.RetentionDays)*86_400_000
	for _, e := range entries {
		entryAbs := filepath.Join(trashAbs, e.Name())
		ts := archivedAtMs(entryAbs)
		if ts > cutoff {
			continue
		}
		rel := joinRel(trashDirName, e.Name())
		if err := safeRemove(entryAbs); err != nil {
			logging.L_error("fileops: gc failed to remove expired trash entry", "entry", rel, "error", err)
			s.log.Record(oplog.OpPurge, rel, "", e.IsDir(), false, err)
			continue
		}
		logging.L_debug("fileops: gc removed expired trash entry", "entry", rel)
		s.log.Record(oplog.OpPurge, rel, "", e.IsDir(), true, nil)
	}
}

// archivedAtMs returns the entry's archival timestamp: meta.json's
// archived_at_ms when readable, else the entry's mtime.
func archivedAtMs(entryAbs string) int64 {
	if meta, err := readMeta(entryAbs); err == nil && meta.ArchivedAtMs > 0 {
		return meta.ArchivedAtMs
	}
	info, err := os.Lstat(entryAbs)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return info.ModTime().UnixMilli()
}

// StartGCSchedule runs a supplementary hourly retention sweep so expired
// entries are collected even when no mutation calls arrive. The call-triggered
// throttle in maybeRunGC remains the primary path.
func (s *Service) StartGCSchedule() {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	if s.gcCron != nil {
		return
	}
	c := cron.New()
	if _, err := c.AddFunc("@hourly", s.sweepTrash); err != nil {
		logging.L_error("fileops: failed to schedule gc sweep", "error", err)
		return
	}
	c.Start()
	s.gcCron = c
}

// StopGCSchedule stops the supplementary sweep. Idempotent.
func (s *Service) StopGCSchedule() {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	if s.gcCron == nil {
		return
	}
	s.gcCron.Stop()
	s.gcCron = nil
}
