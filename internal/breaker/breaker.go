package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/genba/internal/config"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings are the thresholds one breaker runs with.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func SettingsFromConfig(cfg config.BreakerConfig) (Settings, error) {
	recovery, err := config.DurationOrDefault(cfg.RecoveryTimeout, config.DefaultBreakerRecoveryTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("parse breaker recovery timeout: %w", err)
	}

	s := Settings{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = config.DefaultBreakerFailureThresh
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = config.DefaultBreakerHalfOpenCalls
	}
	return s, nil
}

// Snapshot is the operator view of one breaker.
type Snapshot struct {
	Key                  string  `json:"key"`
	State                State   `json:"state"`
	FailureCount         int     `json:"failure_count"`
	SecondsUntilHalfOpen float64 `json:"seconds_until_half_open"`
}

// Breaker isolates one external dependency. Lives for the process
// lifetime; reset only by operator action or passage of time.
type Breaker struct {
	key      string
	settings Settings
	now      func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
}

func New(key string, settings Settings) *Breaker {
	return &Breaker{
		key:      key,
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Allow reports whether a call may proceed. In HALF_OPEN it consumes
// one probe slot per true result, so at most HalfOpenMaxCalls probes
// run concurrently.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.settings.RecoveryTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
		return true

	case StateHalfOpen:
		if b.halfOpenCalls >= b.settings.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	}

	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++

	switch b.state {
	case StateHalfOpen:
		// probe came back healthy
		b.transition(StateClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.settings.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// probe failed, back off for a fresh recovery window
		b.transition(StateOpen)
		b.halfOpenCalls = 0
	}
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var remaining float64
	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureTime)
		if wait := b.settings.RecoveryTimeout - elapsed; wait > 0 {
			remaining = wait.Seconds()
		}
	}

	return Snapshot{
		Key:                  b.key,
		State:                b.state,
		FailureCount:         b.failureCount,
		SecondsUntilHalfOpen: remaining,
	}
}

// Reset returns the breaker to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.lastFailureTime = time.Time{}
}

// transition assumes b.mu is held.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	slog.Info("Circuit breaker transition", "key", b.key, "from", b.state, "to", next)
	b.state = next
}
