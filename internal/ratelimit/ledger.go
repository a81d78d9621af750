// Package ratelimit tracks upstream call budgets parsed from response
// headers. Each client owns a private Ledger so one user's consumption never
// throttles another user's client.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Thresholds at which the ledger starts defending the remaining budget.
const (
	shortWindowThreshold = 0.8
	dailyThreshold       = 0.9
)

// Ledger tracks short-window and daily usage against their limits.
type Ledger struct {
	mu          sync.Mutex
	window      time.Duration
	windowUsage int
	windowLimit int
	dailyUsage  int
	dailyLimit  int
	updatedAt   time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewLedger constructs a ledger with the given short-window duration and
// default limits, which are replaced by header values as responses arrive.
func NewLedger(window time.Duration, windowLimit, dailyLimit int) *Ledger {
	return &Ledger{
		window:      window,
		windowLimit: windowLimit,
		dailyLimit:  dailyLimit,
		now:         time.Now,
		sleep:       sleepCtx,
	}
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

// UpdateFromHeaders refreshes usage from "X-RateLimit-Limit" and
// "X-RateLimit-Usage" headers formatted as "short,daily". It reports whether
// usage headers were present; a call whose response carried none must be
// counted with Record instead, never both.
func (l *Ledger) UpdateFromHeaders(h http.Header) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if short, daily, ok := parsePair(h.Get("X-RateLimit-Limit")); ok {
		l.windowLimit = short
		l.dailyLimit = daily
	}
	short, daily, ok := parsePair(h.Get("X-RateLimit-Usage"))
	if !ok {
		return false
	}
	l.windowUsage = short
	l.dailyUsage = daily
	l.updatedAt = l.now()
	return true
}

// Record bumps both counters for a call whose response carried no usage
// headers.
func (l *Ledger) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetWindowLocked()
	l.windowUsage++
	l.dailyUsage++
	l.updatedAt = l.now()
}

func (l *Ledger) maybeResetWindowLocked() {
	if l.updatedAt.IsZero() {
		return
	}
	if l.now().Sub(l.startOfWindowLocked(l.updatedAt)) >= l.window {
		l.windowUsage = 0
	}
}

func (l *Ledger) startOfWindowLocked(t time.Time) time.Time {
	return t.Truncate(l.window)
}

// WindowWait returns how long until the current short window resets.
func (l *Ledger) WindowWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.startOfWindowLocked(now).Add(l.window).Sub(now)
}

// DailyWait returns how long until the daily budget resets (midnight UTC).
func (l *Ledger) DailyWait() time.Duration {
	now := l.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now)
}

// Usage reports the current counters for capacity estimates and metrics.
func (l *Ledger) Usage() (windowUsage, windowLimit, dailyUsage, dailyLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetWindowLocked()
	return l.windowUsage, l.windowLimit, l.dailyUsage, l.dailyLimit
}

// DailyRemaining reports how many calls are left before the daily threshold.
func (l *Ledger) DailyRemaining() int {
	_, _, usage, limit := l.Usage()
	remaining := int(float64(limit)*dailyThreshold) - usage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Wait blocks until a call is allowed under the short-window budget, or
// returns a QuotaError when the daily budget is effectively exhausted.
// Exceeding 80% of the short window sleeps until the window resets;
// exceeding 90% of the daily budget fails with the computed wait.
func (l *Ledger) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.maybeResetWindowLocked()
	windowUsage, windowLimit := l.windowUsage, l.windowLimit
	dailyUsage, dailyLimit := l.dailyUsage, l.dailyLimit
	l.mu.Unlock()

	if dailyLimit > 0 && float64(dailyUsage) >= dailyThreshold*float64(dailyLimit) {
		return &QuotaError{Wait: l.DailyWait(), Usage: dailyUsage, Limit: dailyLimit}
	}

	if windowLimit > 0 && float64(windowUsage) >= shortWindowThreshold*float64(windowLimit) {
		wait := l.WindowWait()
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		l.mu.Lock()
		l.windowUsage = 0
		l.mu.Unlock()
	}
	return nil
}

// QuotaError signals that the daily budget is exhausted and when it resets.
type QuotaError struct {
	Wait  time.Duration
	Usage int
	Limit int
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily quota exhausted (%d/%d), resets in %s", e.Usage, e.Limit, e.Wait.Round(time.Minute))
}

func parsePair(value string) (short, daily int, ok bool) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	short, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return short, daily, true
}
