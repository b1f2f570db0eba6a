package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// JobState is the lifecycle state of a download job.
type JobState string

const (
	StateQueued      JobState = "Queued"
	StateValidating  JobState = "Validating"
	StateDownloading JobState = "Downloading"
	StateUploading   JobState = "Uploading"
	StateCompleted   JobState = "Completed"
	StateFailed      JobState = "Failed"
	StateCancelled   JobState = "Cancelled"
)

func (s JobState) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether the job holds a concurrency slot in state s.
func (s JobState) Active() bool {
	return s == StateDownloading || s == StateUploading
}

// ErrorKind classifies why a job was denied or failed.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation-error"
	KindGlobalBusy     ErrorKind = "global-busy"
	KindUserBusy       ErrorKind = "user-busy"
	KindDailyLimit     ErrorKind = "daily-limit-exceeded"
	KindDiskFull       ErrorKind = "disk-full"
	KindUnsupportedURL ErrorKind = "unsupported-url"
	KindNetwork        ErrorKind = "network-failure"
	KindExtractor      ErrorKind = "extractor-failure"
	KindSizeLimit      ErrorKind = "size-limit-exceeded"
	KindStallTimeout   ErrorKind = "stall-timeout"
	KindTooLarge       ErrorKind = "too-large-for-transport"
	KindSendFailure    ErrorKind = "send-failure"
	KindCancelled      ErrorKind = "cancelled"
)

// JobError carries a classified cause for a denial or failure.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// NewJobError builds a classified error.
func NewJobError(kind ErrorKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}

// Job is one requested download. State, file path and error are written by
// the single orchestrating goroutine and guarded by mu; byte counters live in
// atomics so progress reads never block a transfer or observe torn values.
type Job struct {
	ID        string
	Owner     int64
	URL       string
	CreatedAt time.Time

	bytesDone  atomic.Int64
	bytesTotal atomic.Int64

	mu         sync.Mutex
	state      JobState
	finishedAt time.Time
	err        *JobError
	filePath   string
}

func NewJob(id string, owner int64, url string, now time.Time) *Job {
	j := &Job{
		ID:        id,
		Owner:     owner,
		URL:       url,
		CreatedAt: now,
		state:     StateQueued,
	}
	j.bytesTotal.Store(-1)
	return j
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState moves the job to a non-terminal state. Terminal transitions go
// through Finish so they record the timestamp and cause exactly once.
func (j *Job) SetState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Finish moves the job to a terminal state. It is a no-op if the job is
// already terminal and reports whether this call performed the transition.
func (j *Job) Finish(s JobState, cause *JobError, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = s
	j.finishedAt = now
	j.err = cause
	return true
}

func (j *Job) FinishedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt, !j.finishedAt.IsZero()
}

func (j *Job) Err() *JobError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) SetFilePath(p string) {
	j.mu.Lock()
	j.filePath = p
	j.mu.Unlock()
}

func (j *Job) FilePath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.filePath
}

// SetProgress records byte counters from a progress callback. A negative
// total means the total size is unknown.
func (j *Job) SetProgress(done, total int64) {
	j.bytesDone.Store(done)
	j.bytesTotal.Store(total)
}

// Progress returns the byte counters. Total is -1 when unknown.
func (j *Job) Progress() (done, total int64) {
	return j.bytesDone.Load(), j.bytesTotal.Load()
}

// Fraction returns completion in [0,1], or 0 when the total is unknown.
func (j *Job) Fraction() float64 {
	done, total := j.Progress()
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

// JobView is an immutable snapshot of a Job for handlers and broadcasts.
type JobView struct {
	ID         string     `json:"id"`
	Owner      int64      `json:"owner"`
	URL        string     `json:"url"`
	State      JobState   `json:"state"`
	Progress   float64    `json:"progress"`
	BytesDone  int64      `json:"bytesDone"`
	BytesTotal *int64     `json:"bytesTotal,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
}

func (j *Job) Snapshot() JobView {
	done, total := j.Progress()

	j.mu.Lock()
	v := JobView{
		ID:        j.ID,
		Owner:     j.Owner,
		URL:       j.URL,
		State:     j.state,
		BytesDone: done,
		CreatedAt: j.CreatedAt,
	}
	if total >= 0 {
		v.BytesTotal = &total
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		v.FinishedAt = &t
	}
	if j.err != nil {
		e := *j.err
		v.Error = &e
	}
	j.mu.Unlock()

	v.Progress = j.Fraction()
	return v
}

// FileRecord tracks one downloaded file on disk.
type FileRecord struct {
	Path      string    `json:"path"`
	Owner     int64     `json:"owner"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QuotaStats is a read-only snapshot of the quota counters.
type QuotaStats struct {
	GlobalActive int           `json:"globalActive"`
	UserCount    int           `json:"userCount"`
	PerUser      map[int64]int `json:"perUserActive"`
}

// DiskStats mirrors the disk section of the status endpoint.
type DiskStats struct {
	TotalGB float64 `json:"totalGB"`
	UsedGB  float64 `json:"usedGB"`
	FreeGB  float64 `json:"freeGB"`
	Percent float64 `json:"percent"`
}

// StatusSnapshot is the aggregate served by the status endpoint.
type StatusSnapshot struct {
	Status          string    `json:"status"`
	Timestamp       int64     `json:"timestamp"`
	Uptime          int64     `json:"uptime"`
	ActiveDownloads int       `json:"activeDownloads"`
	UserCount       int       `json:"userCount"`
	FileCount       int       `json:"fileCount"`
	TotalBytes      int64     `json:"totalBytes"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryPercent   float64   `json:"memoryPercent"`
	Disk            DiskStats `json:"disk"`
}
