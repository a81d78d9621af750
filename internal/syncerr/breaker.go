package syncerr

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes a circuit breaker instance.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32        // failures before the breaker opens
	RecoveryWindow      time.Duration // how long the breaker stays open
}

// DefaultBreakerConfig opens after 5 consecutive failures for 60 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		RecoveryWindow:      60 * time.Second,
	}
}

// Breaker wraps an operation with fail-fast behaviour: after repeated
// failures all calls short-circuit for a recovery window, then one trial
// call is allowed through. Breaker state is private to the owning client so
// one user's failures never open another user's breaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker constructs a Breaker from the config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	window := cfg.RecoveryWindow
	if window <= 0 {
		window = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single trial call while half-open
		Timeout:     window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[breaker] %s: %s -> %s", name, from, to)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Do executes op through the breaker. An open breaker yields a dedicated
// retryable breaker_open typed error without invoking op.
func (b *Breaker) Do(op func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &SyncError{
			Kind:      KindBreakerOpen,
			Message:   fmt.Sprintf("circuit breaker %s is open", b.cb.Name()),
			Retryable: true,
			cause:     err,
		}
	}
	return err
}

// State exposes the breaker state for metrics.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
