// Package progress turns raw transport progress samples into byte credits,
// percentages and a smoothed transfer rate.
package progress

import (
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Aggregator tracks how many bytes every in-flight unit currently contributes
// to the global loaded count. Transport samples replace a unit's previous
// credit instead of being added to it, so repeated samples never double count.
type Aggregator struct {
	mu     sync.Mutex
	total  int64
	loaded int64
	credit map[string]int64

	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewAggregator returns an aggregator with a default smoothing factor.
func NewAggregator() *Aggregator {
	return NewAggregatorWithNow(time.Now)
}

// NewAggregatorWithNow returns an aggregator with a custom time source (for tests).
func NewAggregatorWithNow(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{alpha: 0.2, now: now, credit: make(map[string]int64)}
	a.startedAt = now()
	a.lastAt = a.startedAt
	return a
}

// Observe records a sample for unitID. When loaded equals total the unit
// reports itself complete and size, the unit's real byte size, becomes its
// credit; total is only trusted for the fraction while in progress.
// It returns the unit's own percentage.
func (a *Aggregator) Observe(unitID string, loaded, total, size int64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	done := total > 0 && loaded >= total
	next := loaded
	if done || total <= 0 && loaded >= size {
		next = size
	}
	if next < 0 {
		next = 0
	}
	a.setCreditLocked(unitID, next)

	switch {
	case done:
		return 100
	case total > 0:
		return clamp(float64(loaded) / float64(total) * 100)
	case size > 0:
		return clamp(float64(loaded) / float64(size) * 100)
	}
	return 0
}

// Credit returns what unitID currently contributes to the loaded count.
func (a *Aggregator) Credit(unitID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credit[unitID]
}

// Rollback removes unitID's credit and returns the amount removed. Used when a
// unit is re-queued or cancelled.
func (a *Aggregator) Rollback(unitID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.credit[unitID]
	delete(a.credit, unitID)
	a.loaded -= prev
	a.lastDone -= prev
	return prev
}

// Settle forces unitID's credit to size without affecting the rate.
func (a *Aggregator) Settle(unitID string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.credit[unitID]
	a.credit[unitID] = size
	a.loaded += size - prev
	a.lastDone += size - prev
}

// AddTotal increments the total byte count.
func (a *Aggregator) AddTotal(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += n
}

// SubTotal decrements the total byte count.
func (a *Aggregator) SubTotal(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total -= n
	if a.total < 0 {
		a.total = 0
	}
}

// Loaded returns the global loaded byte count.
func (a *Aggregator) Loaded() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// Total returns the global total byte count.
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Percent returns loaded/total as a percentage in [0,100]. An empty total
// reports 0.
func (a *Aggregator) Percent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.percentLocked()
}

// Reset drops every credit and restarts the rate clock.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = 0
	a.loaded = 0
	a.credit = make(map[string]int64)
	a.startedAt = a.now()
	a.lastAt = a.startedAt
	a.lastDone = 0
	a.rateBps = 0
}

// Snapshot returns a current snapshot of progress stats.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := Stats{
		BytesDone: a.loaded,
		Total:     a.total,
		RateBps:   a.rateBps,
		StartedAt: a.startedAt,
		Percent:   a.percentLocked(),
	}
	if a.rateBps > 0 && a.total > a.loaded {
		remaining := float64(a.total - a.loaded)
		stats.ETA = time.Duration(remaining / a.rateBps * float64(time.Second))
	}
	return stats
}

func (a *Aggregator) setCreditLocked(unitID string, next int64) {
	prev := a.credit[unitID]
	a.credit[unitID] = next
	a.loaded += next - prev

	now := a.now()
	deltaBytes := a.loaded - a.lastDone
	deltaTime := now.Sub(a.lastAt).Seconds()
	if deltaTime > 0 && deltaBytes > 0 {
		inst := float64(deltaBytes) / deltaTime
		if a.rateBps == 0 {
			a.rateBps = inst
		} else {
			a.rateBps = a.alpha*inst + (1-a.alpha)*a.rateBps
		}
		a.lastAt = now
		a.lastDone = a.loaded
	}
}

func (a *Aggregator) percentLocked() float64 {
	if a.total <= 0 {
		return 0
	}
	return clamp(float64(a.loaded) / float64(a.total) * 100)
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
