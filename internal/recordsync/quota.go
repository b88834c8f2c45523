package recordsync

import (
	"sync"
	"time"
)

// QuotaAccountant is the single call-budget shared by the sync coordinator,
// the discrepancy detector, and the write buffer. Every remote call reserves
// one unit; the window rolls forward when it expires. A budget of zero or
// less means unlimited.
type QuotaAccountant struct {
	mu        sync.Mutex
	budget    int
	window    time.Duration
	used      int
	windowEnd time.Time
	now       func() time.Time
}

func NewQuotaAccountant(budget int, window time.Duration) *QuotaAccountant {
	if window <= 0 {
		window = time.Hour
	}
	return &QuotaAccountant{
		budget: budget,
		window: window,
		now:    time.Now,
	}
}

func (q *QuotaAccountant) Reserve() error {
	if q == nil || q.budget <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindowLocked()
	if q.used >= q.budget {
		return ErrQuotaExhausted
	}
	q.used++
	return nil
}

// Remaining reports the unused budget and the end of the current window.
// With an unlimited budget the remaining count is -1.
func (q *QuotaAccountant) Remaining() (int, time.Time) {
	if q == nil || q.budget <= 0 {
		return -1, time.Time{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindowLocked()
	return q.budget - q.used, q.windowEnd
}

// WindowEnd is when a deferred caller should try again after exhaustion.
func (q *QuotaAccountant) WindowEnd() time.Time {
	if q == nil || q.budget <= 0 {
		return time.Time{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindowLocked()
	return q.windowEnd
}

func (q *QuotaAccountant) rollWindowLocked() {
	current := q.now()
	if q.windowEnd.IsZero() || !current.Before(q.windowEnd) {
		q.used = 0
		q.windowEnd = current.Add(q.window)
	}
}
