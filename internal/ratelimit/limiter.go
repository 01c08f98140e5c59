// Package ratelimit paces outbound provider requests against a
// requests-per-minute and requests-per-day budget. The per-minute window is a
// token bucket; the daily window is a fixed 24h counter that never admits a
// request over the cap.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hivemind/internal/logging"
)

// Limiter holds the rolling request budget. WaitForSlot suspends the caller
// until a slot is available under both windows and consumes a daily slot on
// admission. Reconfigure takes effect on the next acquisition.
type Limiter struct {
	mu       sync.Mutex
	perMin   *rate.Limiter
	perDay   int
	dayCount int
	dayStart time.Time

	// now/sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with the given budgets.
func New(requestsPerMinute, requestsPerDay int) *Limiter {
	return &Limiter{
		perMin: rate.NewLimiter(perMinuteRate(requestsPerMinute), 1),
		perDay: requestsPerDay,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func perMinuteRate(rpm int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60.0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForSlot blocks until a request may be sent under both windows, or the
// context is cancelled. The daily slot is reserved under the same lock as the
// budget check, so concurrent callers at the budget edge can never admit more
// requests than the cap.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.rollDayLocked()
		if l.perDay <= 0 || l.dayCount < l.perDay {
			if l.dayCount == 0 {
				l.dayStart = l.now()
			}
			l.dayCount++
			perMin := l.perMin
			l.mu.Unlock()
			// Token bucket wait; Reconfigure swaps the limiter, so re-read
			// under the lock happened above and stale waits only over-delay.
			if err := perMin.Wait(ctx); err != nil {
				l.releaseSlot()
				return err
			}
			return nil
		}
		wait := l.dayStart.Add(24 * time.Hour).Sub(l.now())
		l.mu.Unlock()

		logging.API("Daily request budget exhausted (%d), waiting %v for window reset", l.perDay, wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// releaseSlot returns a reserved daily slot when the request was never sent.
func (l *Limiter) releaseSlot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dayCount > 0 {
		l.dayCount--
	}
}

// rollDayLocked resets the daily window once 24h have passed.
func (l *Limiter) rollDayLocked() {
	if l.dayCount > 0 && l.now().Sub(l.dayStart) >= 24*time.Hour {
		l.dayCount = 0
		l.dayStart = l.now()
	}
}

// Reconfigure updates both budgets. Effective for future acquisitions only;
// callers already inside WaitForSlot keep their old admission.
func (l *Limiter) Reconfigure(requestsPerMinute, requestsPerDay int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMin = rate.NewLimiter(perMinuteRate(requestsPerMinute), 1)
	l.perDay = requestsPerDay
	logging.API("Rate limits reconfigured: %d/min, %d/day", requestsPerMinute, requestsPerDay)
}

// DayCount returns requests consumed in the current daily window.
func (l *Limiter) DayCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return l.dayCount
}
