// Package quota enforces per-user and global download limits. All three
// checks of a reservation happen inside one critical section so concurrent
// submissions can never jointly exceed a limit.
package quota

import (
	"sync"
	"time"

	"vidfetchgo/internal/models"
)

// Reservation is the handle returned by a successful TryReserve. It must be
// passed back to Release exactly once; extra releases are no-ops.
type Reservation struct {
	user     int64
	released bool
}

// User returns the user the slot was reserved for.
func (r *Reservation) User() int64 {
	return r.user
}

type dailyWindow struct {
	start time.Time
	count int
}

// Tracker holds the concurrency and daily counters.
type Tracker struct {
	maxGlobal  int
	maxPerUser int
	maxDaily   int
	now        func() time.Time

	mu           sync.Mutex
	globalActive int
	perUser      map[int64]int
	daily        map[int64]*dailyWindow
}

const dailyWindowLength = 24 * time.Hour

func New(maxGlobal, maxPerUser, maxDaily int) *Tracker {
	return &Tracker{
		maxGlobal:  maxGlobal,
		maxPerUser: maxPerUser,
		maxDaily:   maxDaily,
		now:        time.Now,
		perUser:    make(map[int64]int),
		daily:      make(map[int64]*dailyWindow),
	}
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// TryReserve atomically checks the global, per-user and daily limits and
// claims a slot. Either all three counters advance or none do; a denial
// carries the first limit that was hit.
func (t *Tracker) TryReserve(user int64) (*Reservation, *models.JobError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if t.globalActive >= t.maxGlobal {
		return nil, models.NewJobError(models.KindGlobalBusy, "all download slots are busy")
	}
	if t.perUser[user] >= t.maxPerUser {
		return nil, models.NewJobError(models.KindUserBusy, "user concurrent download limit reached")
	}

	w := t.daily[user]
	if w != nil && now.Sub(w.start) >= dailyWindowLength {
		// Window elapsed, start a fresh one on the next increment.
		w = nil
		delete(t.daily, user)
	}
	if w != nil && w.count >= t.maxDaily {
		return nil, models.NewJobError(models.KindDailyLimit, "daily download limit reached")
	}

	t.globalActive++
	t.perUser[user]++
	if w == nil {
		w = &dailyWindow{start: now}
		t.daily[user] = w
	}
	w.count++

	return &Reservation{user: user}, nil
}

// Release frees the slot held by r. Releasing nil, an already-released or
// unknown reservation is a no-op so completion and cleanup can both call it.
func (t *Tracker) Release(r *Reservation) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	if t.globalActive > 0 {
		t.globalActive--
	}
	if n := t.perUser[r.user]; n > 1 {
		t.perUser[r.user] = n - 1
	} else {
		delete(t.perUser, r.user)
	}
}

// DailyCount returns how many downloads the user started in the current
// 24h window.
func (t *Tracker) DailyCount(user int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.daily[user]
	if w == nil || t.now().Sub(w.start) >= dailyWindowLength {
		return 0
	}
	return w.count
}

// GlobalActive returns the number of jobs currently holding a slot.
func (t *Tracker) GlobalActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalActive
}

// Stats returns a snapshot of the counters for the status reporter.
func (t *Tracker) Stats() models.QuotaStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	perUser := make(map[int64]int, len(t.perUser))
	for u, n := range t.perUser {
		perUser[u] = n
	}

	now := t.now()
	users := 0
	for _, w := range t.daily {
		if now.Sub(w.start) < dailyWindowLength {
			users++
		}
	}

	return models.QuotaStats{
		GlobalActive: t.globalActive,
		UserCount:    users,
		PerUser:      perUser,
	}
}
