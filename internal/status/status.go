// Package status builds the read-only snapshot served by the status
// endpoint: quota counters, file store usage, uptime and host metrics.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"vidfetchgo/internal/filestore"
	"vidfetchgo/internal/models"
	"vidfetchgo/internal/quota"
)

const gb = 1024 * 1024 * 1024

// hostMetrics isolates the gopsutil syscalls so tests can stub them.
type hostMetrics func(dir string) (cpuPercent, memPercent float64, d models.DiskStats)

type Reporter struct {
	quota     *quota.Tracker
	files     *filestore.Store
	startedAt time.Time
	now       func() time.Time
	host      hostMetrics
	cacheTTL  time.Duration

	mu       sync.Mutex
	cached   models.StatusSnapshot
	cachedAt time.Time
}

func New(tracker *quota.Tracker, files *filestore.Store) *Reporter {
	return &Reporter{
		quota:     tracker,
		files:     files,
		startedAt: time.Now(),
		now:       time.Now,
		host:      readHostMetrics,
		cacheTTL:  2 * time.Second,
	}
}

// SetHostMetrics replaces the host metric probe. Test hook.
func (r *Reporter) SetHostMetrics(fn func(dir string) (float64, float64, models.DiskStats)) {
	r.host = fn
}

// Snapshot returns the current aggregate. Host metrics are cached for a
// short window so frequent polling does not hammer the kernel.
func (r *Reporter) Snapshot() models.StatusSnapshot {
	now := r.now()

	r.mu.Lock()
	if !r.cachedAt.IsZero() && now.Sub(r.cachedAt) < r.cacheTTL {
		snap := r.cached
		r.mu.Unlock()
		return r.refresh(snap, now)
	}
	r.mu.Unlock()

	cpuPct, memPct, diskStats := r.host(r.files.Dir())
	snap := models.StatusSnapshot{
		Status:        "ok",
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		Disk:          diskStats,
	}

	r.mu.Lock()
	r.cached = snap
	r.cachedAt = now
	r.mu.Unlock()

	return r.refresh(snap, now)
}

// refresh fills in the cheap, always-fresh fields on top of the cached host
// metrics.
func (r *Reporter) refresh(snap models.StatusSnapshot, now time.Time) models.StatusSnapshot {
	stats := r.quota.Stats()
	totalBytes, fileCount := r.files.Usage()

	snap.Timestamp = now.Unix()
	snap.Uptime = int64(now.Sub(r.startedAt).Seconds())
	snap.ActiveDownloads = stats.GlobalActive
	snap.UserCount = stats.UserCount
	snap.FileCount = fileCount
	snap.TotalBytes = totalBytes
	return snap
}

func readHostMetrics(dir string) (float64, float64, models.DiskStats) {
	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	} else if err != nil {
		slog.Warn("Could not read CPU usage", "error", err)
	}

	var memPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	} else {
		slog.Warn("Could not read memory usage", "error", err)
	}

	var d models.DiskStats
	if usage, err := disk.Usage(dir); err == nil {
		d = models.DiskStats{
			TotalGB: float64(usage.Total) / gb,
			UsedGB:  float64(usage.Used) / gb,
			FreeGB:  float64(usage.Free) / gb,
			Percent: usage.UsedPercent,
		}
	} else {
		slog.Warn("Could not read disk usage", "error", err)
	}

	return cpuPct, memPct, d
}
