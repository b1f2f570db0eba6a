// Package manager orchestrates a submitted URL through validation, quota
// reservation, download, delivery and retention.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vidfetchgo/internal/filestore"
	"vidfetchgo/internal/models"
	"vidfetchgo/internal/quota"
	"vidfetchgo/internal/validate"
)

// Fetcher resolves a URL to a media file on disk. Implementations report
// progress through sink and stop when ctx is cancelled. The returned path
// may be non-empty on error so the caller can remove a partial file.
type Fetcher interface {
	Fetch(ctx context.Context, url, destDir string, sink func(done, total int64)) (path string, size int64, err error)
}

// Transport delivers finished files and short status texts to the user.
type Transport interface {
	Deliver(user int64, path string) error
	Notify(user int64, message string)
}

type Config struct {
	MaxFileSize     int64
	StallTimeout    time.Duration
	JobRetention    time.Duration
	DuplicateWindow time.Duration
	BlockedDomains  []string
	AllowedExts     []string
}

// job pairs the shared Job record with the orchestration-only state: the
// cancel channel, the quota reservation and the stall clock.
type job struct {
	*models.Job
	cancel       chan struct{}
	cancelOnce   sync.Once
	finishOnce   sync.Once
	res          *quota.Reservation
	size         int64
	lastProgress atomic.Int64 // unix nanos of the last progress callback
}

func (w *job) signalCancel() {
	w.cancelOnce.Do(func() { close(w.cancel) })
}

func (w *job) touch(t time.Time) {
	w.lastProgress.Store(t.UnixNano())
}

type Manager struct {
	cfg       Config
	quota     *quota.Tracker
	files     *filestore.Store
	fetcher   Fetcher
	transport Transport
	now       func() time.Time
	onUpdate  func(*models.Job)

	mu     sync.RWMutex
	closed bool
	jobs   map[string]*job
	recent map[string]time.Time
	wg     sync.WaitGroup
}

func New(cfg Config, tracker *quota.Tracker, files *filestore.Store, fetcher Fetcher, transport Transport) *Manager {
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		quota:     tracker,
		files:     files,
		fetcher:   fetcher,
		transport: transport,
		now:       time.Now,
		jobs:      make(map[string]*job),
		recent:    make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetUpdateCallback registers a function invoked on every job state change
// and progress callback, e.g. for a websocket broadcast.
func (m *Manager) SetUpdateCallback(fn func(*models.Job)) {
	m.onUpdate = fn
}

// Submit validates the URL, reserves quota and starts the download
// asynchronously. A returned error is always a *models.JobError carrying the
// denial reason; no job record exists after a denial.
func (m *Manager) Submit(user int64, url string) (models.JobView, error) {
	if verr := validate.URL(url, m.cfg.BlockedDomains, m.cfg.AllowedExts); verr != nil {
		return models.JobView{}, verr
	}

	now := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.JobView{}, models.NewJobError(models.KindValidation, "service is shutting down")
	}
	dupKey := fmt.Sprintf("%d|%s", user, url)
	for key, seen := range m.recent {
		if now.Sub(seen) > m.cfg.DuplicateWindow {
			delete(m.recent, key)
		}
	}
	if seen, ok := m.recent[dupKey]; ok && now.Sub(seen) < m.cfg.DuplicateWindow {
		m.mu.Unlock()
		return models.JobView{}, models.NewJobError(models.KindValidation, "duplicate request, please wait before retrying")
	}
	// Claim the key now so a concurrent submit of the same URL sees it.
	// Denials below hand it back so a retry is not locked out.
	m.recent[dupKey] = now
	m.mu.Unlock()

	if !m.files.HasSpaceFor(0) {
		m.files.EmergencySweep(now)
		if !m.files.HasSpaceFor(0) {
			m.forgetRecent(dupKey)
			return models.JobView{}, models.NewJobError(models.KindDiskFull, "not enough disk space for new downloads")
		}
	}

	res, denial := m.quota.TryReserve(user)
	if denial != nil {
		m.forgetRecent(dupKey)
		return models.JobView{}, denial
	}

	w := &job{
		Job:    models.NewJob(uuid.NewString(), user, url, now),
		cancel: make(chan struct{}),
		res:    res,
	}

	m.mu.Lock()
	if m.closed {
		// Shutdown raced the reservation; hand the slot back.
		delete(m.recent, dupKey)
		m.mu.Unlock()
		m.quota.Release(res)
		return models.JobView{}, models.NewJobError(models.KindValidation, "service is shutting down")
	}
	m.jobs[w.ID] = w
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("Job submitted", "id", w.ID, "user", user, "url", url)
	go m.run(w)

	return w.Snapshot(), nil
}

func (m *Manager) run(w *job) {
	defer m.wg.Done()

	w.SetState(models.StateValidating)
	m.notify(w)

	destDir, err := m.files.UserDir(w.Owner)
	if err != nil {
		m.finish(w, models.StateFailed, models.NewJobError(models.KindExtractor, "cannot create download directory: "+err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stalled, tooBig atomic.Bool
	w.touch(m.now())
	watchdogDone := make(chan struct{})
	go m.watchdog(w, cancel, &stalled, watchdogDone)
	defer close(watchdogDone)

	w.SetState(models.StateDownloading)
	m.notify(w)
	m.transport.Notify(w.Owner, "Starting download...")

	sink := func(done, total int64) {
		w.touch(m.now())
		w.SetProgress(done, total)
		// done also trips the cap so an unknown total cannot stream
		// unbounded before the final size check.
		if m.cfg.MaxFileSize > 0 && (total > m.cfg.MaxFileSize || done > m.cfg.MaxFileSize) {
			tooBig.Store(true)
			cancel()
		}
		m.notify(w)
	}

	path, size, ferr := m.fetcher.Fetch(ctx, w.URL, destDir, sink)
	if path != "" {
		w.SetFilePath(path)
	}
	w.size = size

	if ferr == nil && m.cfg.MaxFileSize > 0 && size > m.cfg.MaxFileSize {
		// Total was unknown during the transfer; enforce the cap on the
		// final byte count.
		tooBig.Store(true)
		ferr = models.NewJobError(models.KindSizeLimit, "downloaded file exceeds maximum size")
	}

	if ferr != nil {
		switch {
		case tooBig.Load():
			m.finish(w, models.StateFailed, models.NewJobError(models.KindSizeLimit, "file exceeds the configured size limit"))
		case stalled.Load():
			m.finish(w, models.StateFailed, models.NewJobError(models.KindStallTimeout, "no download progress within the stall window"))
		case cancelRequested(w):
			m.finish(w, models.StateCancelled, nil)
		default:
			m.finish(w, models.StateFailed, asJobError(ferr))
		}
		return
	}

	if cancelRequested(w) {
		m.finish(w, models.StateCancelled, nil)
		return
	}

	w.SetState(models.StateUploading)
	m.notify(w)

	if derr := m.transport.Deliver(w.Owner, path); derr != nil {
		m.finish(w, models.StateFailed, asDeliveryError(derr))
		return
	}
	m.finish(w, models.StateCompleted, nil)
}

// watchdog bridges the cooperative cancel signal into the fetch context and
// fails transfers that stop making progress.
func (m *Manager) watchdog(w *job, cancel context.CancelFunc, stalled *atomic.Bool, done <-chan struct{}) {
	interval := m.cfg.StallTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.cancel:
			cancel()
			return
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, w.lastProgress.Load())
			if m.cfg.StallTimeout > 0 && m.now().Sub(last) > m.cfg.StallTimeout {
				stalled.Store(true)
				cancel()
				return
			}
		}
	}
}

// finish performs the single terminal transition: it releases quota, settles
// the output file and notifies the user. Only the first caller wins.
func (m *Manager) finish(w *job, state models.JobState, cause *models.JobError) {
	w.finishOnce.Do(func() {
		w.Finish(state, cause, m.now())
		m.quota.Release(w.res)

		path := w.FilePath()
		if keepFile(state, cause) {
			if path != "" {
				m.files.Register(w.Owner, path, w.size)
			}
		} else if path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("Could not remove partial file", "id", w.ID, "path", path, "error", err)
			}
		}

		switch state {
		case models.StateCompleted:
			slog.Info("Job completed", "id", w.ID, "user", w.Owner, "bytes", w.size)
			m.transport.Notify(w.Owner, "Download complete!")
		case models.StateCancelled:
			slog.Info("Job cancelled", "id", w.ID, "user", w.Owner)
			m.transport.Notify(w.Owner, "Download cancelled.")
		default:
			slog.Error("Job failed", "id", w.ID, "user", w.Owner, "error", cause)
			m.transport.Notify(w.Owner, "Download failed: "+cause.Error())
		}
		m.notify(w)
	})
}

// keepFile decides whether the output survives the terminal transition. A
// completed delivery keeps the file under normal retention, and so does a
// delivery failure, so a manual retry does not re-download.
func keepFile(state models.JobState, cause *models.JobError) bool {
	if state == models.StateCompleted {
		return true
	}
	if state == models.StateFailed && cause != nil {
		return cause.Kind == models.KindSendFailure || cause.Kind == models.KindTooLarge
	}
	return false
}

// Cancel requests a best-effort stop of the job. Cancelling a terminal job
// is a no-op success; cancelling an unknown id is an error.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	w, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return errors.New("job not found: " + id)
	}
	if w.State().Terminal() {
		return nil
	}
	w.signalCancel()
	return nil
}

// Job returns a snapshot of the job with the given id.
func (m *Manager) Job(id string) (models.JobView, bool) {
	m.mu.RLock()
	w, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return models.JobView{}, false
	}
	return w.Snapshot(), true
}

// Jobs returns snapshots of every job still in the table.
func (m *Manager) Jobs() []models.JobView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.JobView, 0, len(m.jobs))
	for _, w := range m.jobs {
		out = append(out, w.Snapshot())
	}
	return out
}

// ActiveCount returns how many jobs currently hold a download slot.
func (m *Manager) ActiveCount() int {
	return m.quota.GlobalActive()
}

// Prune evicts terminal jobs whose retention elapsed before now.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, w := range m.jobs {
		finished, ok := w.FinishedAt()
		if ok && now.Sub(finished) >= m.cfg.JobRetention {
			delete(m.jobs, id)
			pruned++
		}
	}
	return pruned
}

// Run prunes finished jobs periodically until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(m.now())
		}
	}
}

// Shutdown cancels every in-flight job and waits for them to release their
// slots, bounded by ctx. Jobs still running when the grace period elapses
// are abandoned and their slots logged as leaked.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, w := range m.jobs {
		if !w.State().Terminal() {
			w.signalCancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		leaked := 0
		m.mu.RLock()
		for _, w := range m.jobs {
			if !w.State().Terminal() {
				leaked++
			}
		}
		m.mu.RUnlock()
		slog.Error("Shutdown grace period elapsed, abandoning jobs", "leaked", leaked)
		return ctx.Err()
	}
}

func (m *Manager) forgetRecent(key string) {
	m.mu.Lock()
	delete(m.recent, key)
	m.mu.Unlock()
}

func (m *Manager) notify(w *job) {
	if m.onUpdate != nil {
		m.onUpdate(w.Job)
	}
}

func cancelRequested(w *job) bool {
	select {
	case <-w.cancel:
		return true
	default:
		return false
	}
}

func asJobError(err error) *models.JobError {
	var je *models.JobError
	if errors.As(err, &je) {
		return je
	}
	return models.NewJobError(models.KindExtractor, err.Error())
}

func asDeliveryError(err error) *models.JobError {
	var je *models.JobError
	if errors.As(err, &je) {
		return je
	}
	return models.NewJobError(models.KindSendFailure, err.Error())
}
