// Package filestore tracks downloaded files under the managed directory and
// evicts them when their retention window elapses.
package filestore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"vidfetchgo/internal/models"
)

type Store struct {
	dir           string
	retention     time.Duration
	sweepInterval time.Duration
	ceilingBytes  int64 // 0 disables the tracked-bytes ceiling
	minFreeBytes  int64 // 0 disables the host free-space floor

	now      func() time.Time
	diskFree func(path string) (uint64, error)

	mu      sync.RWMutex
	records map[string]models.FileRecord
}

func New(dir string, retention, sweepInterval time.Duration, ceilingBytes, minFreeBytes int64) *Store {
	os.MkdirAll(dir, os.ModePerm)
	return &Store{
		dir:           dir,
		retention:     retention,
		sweepInterval: sweepInterval,
		ceilingBytes:  ceilingBytes,
		minFreeBytes:  minFreeBytes,
		now:           time.Now,
		diskFree:      hostFree,
		records:       make(map[string]models.FileRecord),
	}
}

func hostFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetDiskFree replaces the free-space probe. Test hook.
func (s *Store) SetDiskFree(f func(path string) (uint64, error)) {
	s.diskFree = f
}

// Dir returns the managed download directory.
func (s *Store) Dir() string {
	return s.dir
}

// Register records a completed download. One record per path; registering a
// path again replaces its record and restarts the retention window.
func (s *Store) Register(owner int64, path string, sizeBytes int64) models.FileRecord {
	now := s.now()
	rec := models.FileRecord{
		Path:      path,
		Owner:     owner,
		SizeBytes: sizeBytes,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	s.mu.Lock()
	s.records[path] = rec
	s.mu.Unlock()

	return rec
}

// Sweep deletes every file whose expiry is at or before now and returns the
// evicted records. A file already missing from disk still has its record
// dropped. Deletion happens outside the lock; a failed delete puts the
// record back so the next cycle retries it.
func (s *Store) Sweep(now time.Time) []models.FileRecord {
	evicted := s.evict(func(rec models.FileRecord) bool {
		return !rec.ExpiresAt.After(now)
	})
	if len(evicted) > 0 {
		slog.Info("Swept expired files", "count", len(evicted))
	}
	return evicted
}

// emergencyAge is the reduced retention applied under disk pressure.
const emergencyAge = time.Hour

// EmergencySweep evicts files older than emergencyAge regardless of their
// normal expiry. Called when free space falls under the floor, so old
// downloads make room instead of every new submission being denied until
// the full retention window elapses.
func (s *Store) EmergencySweep(now time.Time) []models.FileRecord {
	cutoff := now.Add(-emergencyAge)
	evicted := s.evict(func(rec models.FileRecord) bool {
		return rec.CreatedAt.Before(cutoff)
	})
	if len(evicted) > 0 {
		slog.Warn("Low disk space, evicted files early", "count", len(evicted))
	}
	return evicted
}

func (s *Store) evict(expired func(models.FileRecord) bool) []models.FileRecord {
	s.mu.Lock()
	var picked []models.FileRecord
	for path, rec := range s.records {
		if expired(rec) {
			picked = append(picked, rec)
			delete(s.records, path)
		}
	}
	s.mu.Unlock()

	evicted := picked[:0]
	for _, rec := range picked {
		err := os.Remove(rec.Path)
		if err != nil && !os.IsNotExist(err) {
			slog.Error("Failed to remove file, will retry", "path", rec.Path, "error", err)
			s.mu.Lock()
			s.records[rec.Path] = rec
			s.mu.Unlock()
			continue
		}
		evicted = append(evicted, rec)
	}

	s.pruneEmptyUserDirs()
	return evicted
}

// ForceCleanup evicts every tracked file regardless of expiry and returns
// how many were removed.
func (s *Store) ForceCleanup() int {
	s.mu.Lock()
	all := make([]models.FileRecord, 0, len(s.records))
	for path, rec := range s.records {
		all = append(all, rec)
		delete(s.records, path)
	}
	s.mu.Unlock()

	removed := 0
	for _, rec := range all {
		err := os.Remove(rec.Path)
		if err != nil && !os.IsNotExist(err) {
			slog.Error("Failed to remove file during cleanup", "path", rec.Path, "error", err)
			continue
		}
		removed++
	}
	s.pruneEmptyUserDirs()
	slog.Info("Forced cleanup complete", "removed", removed)
	return removed
}

// Usage returns the tracked byte total and file count.
func (s *Store) Usage() (totalBytes int64, fileCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		totalBytes += rec.SizeBytes
	}
	return totalBytes, len(s.records)
}

// HasSpaceFor reports whether a download of the estimated size may start,
// honoring the tracked-bytes ceiling and the host free-space floor. An
// unknown estimate is passed as 0.
func (s *Store) HasSpaceFor(estimated int64) bool {
	if s.ceilingBytes > 0 {
		total, _ := s.Usage()
		if total+estimated > s.ceilingBytes {
			return false
		}
	}
	if s.minFreeBytes > 0 {
		free, err := s.diskFree(s.dir)
		if err != nil {
			slog.Warn("Could not read free disk space", "error", err)
			return true
		}
		if free < uint64(s.minFreeBytes)+uint64(estimated) {
			return false
		}
	}
	return true
}

// Rescan rebuilds records from files already on disk so retention keeps
// working across a restart. Owner is recovered from the user_<id> directory
// layout; expiry is anchored at the file's modification time.
func (s *Store) Rescan() error {
	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			slog.Warn("Skipping unreadable file during rescan", "path", path, "error", err)
			return nil
		}

		rec := models.FileRecord{
			Path:      path,
			Owner:     ownerFromPath(s.dir, path),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
			ExpiresAt: info.ModTime().Add(s.retention),
		}

		s.mu.Lock()
		if _, tracked := s.records[path]; !tracked {
			s.records[path] = rec
		}
		s.mu.Unlock()
		return nil
	})
}

// UserDir returns the per-user subdirectory, creating it if needed.
func (s *Store) UserDir(owner int64) (string, error) {
	dir := filepath.Join(s.dir, "user_"+strconv.FormatInt(owner, 10))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", err
	}
	return dir, nil
}

func ownerFromPath(root, path string) int64 {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if !strings.HasPrefix(first, "user_") {
		return 0
	}
	owner, err := strconv.ParseInt(strings.TrimPrefix(first, "user_"), 10, 64)
	if err != nil {
		return 0
	}
	return owner
}

func (s *Store) pruneEmptyUserDirs() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "user_") {
			continue
		}
		dir := filepath.Join(s.dir, e.Name())
		if children, err := os.ReadDir(dir); err == nil && len(children) == 0 {
			os.Remove(dir)
		}
	}
}

// Run sweeps on a fixed interval until the context is cancelled. Sweep
// errors never stop the loop.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
