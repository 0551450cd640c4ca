package risk

import (
	"errors"
	"fmt"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/metrics"
)

var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

const (
	TripRejections  = "consecutive_failures"
	TripInvalidBook = "book_invalid"
	TripVolatility  = "volatility"
	TripManual      = "manual"
)

// Breaker escalates persistent failures for one market. Once open it stays
// open until Reset is called by an operator.
type Breaker struct {
	cfg     config.BreakerConfig
	metrics *metrics.Metrics

	state        BreakerState
	reason       string
	trippedAt    time.Time
	failures     int
	invalidSince time.Time
}

func NewBreaker(cfg config.BreakerConfig, m *metrics.Metrics) *Breaker {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Breaker{cfg: cfg, metrics: m, state: BreakerClosed}
}

func (b *Breaker) State() BreakerState {
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.state == BreakerOpen
}

func (b *Breaker) Reason() string {
	return b.reason
}

func (b *Breaker) TrippedAt() time.Time {
	return b.trippedAt
}

// Allow returns ErrBreakerOpen while quoting is suspended.
func (b *Breaker) Allow() error {
	if b.state == BreakerOpen {
		return fmt.Errorf("%s: %w", b.reason, ErrBreakerOpen)
	}
	return nil
}

// RecordResult counts venue rejections and slow round trips. It returns true
// when this call tripped the breaker.
func (b *Breaker) RecordResult(rejected bool, latency time.Duration, now time.Time) bool {
	slow := b.cfg.MaxLatency > 0 && latency > b.cfg.MaxLatency
	if !rejected && !slow {
		b.failures = 0
		return false
	}
	b.failures++
	if b.cfg.MaxRejections > 0 && b.failures >= b.cfg.MaxRejections {
		return b.Trip(TripRejections, now)
	}
	return false
}

// ObserveBook trips on a book that stays invalid for too long or on
// volatility above the configured ceiling.
func (b *Breaker) ObserveBook(valid bool, sigma float64, hasSigma bool, now time.Time) bool {
	if valid {
		b.invalidSince = time.Time{}
	} else if b.invalidSince.IsZero() {
		b.invalidSince = now
	}
	if !valid && b.cfg.MaxInvalidFor > 0 && now.Sub(b.invalidSince) > b.cfg.MaxInvalidFor {
		return b.Trip(TripInvalidBook, now)
	}
	if hasSigma && b.cfg.MaxSigma > 0 && sigma > b.cfg.MaxSigma {
		return b.Trip(TripVolatility, now)
	}
	return false
}

func (b *Breaker) Trip(reason string, now time.Time) bool {
	if b.state == BreakerOpen {
		return false
	}
	b.state = BreakerOpen
	b.reason = reason
	b.trippedAt = now
	b.metrics.BreakerTripped.Inc()
	return true
}

// Reset closes the breaker and clears failure history. It returns false if
// the breaker was already closed.
func (b *Breaker) Reset() bool {
	if b.state == BreakerClosed {
		return false
	}
	b.state = BreakerClosed
	b.reason = ""
	b.trippedAt = time.Time{}
	b.failures = 0
	b.invalidSince = time.Time{}
	b.metrics.BreakerCleared.Inc()
	return true
}
