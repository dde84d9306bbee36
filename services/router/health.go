package router

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"marketfeed/services/datafetcher"
)

// CircuitState of a source as reported by Health
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateHalfOpen CircuitState = "half_open"
	StateOpen     CircuitState = "open"
)

// SourceHealth is a point-in-time view of one source.
type SourceHealth struct {
	Name                string       `json:"name"`
	Priority            int          `json:"priority"`
	Capabilities        []string     `json:"capabilities"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccess         time.Time    `json:"last_success,omitempty"`
	LastFailure         time.Time    `json:"last_failure,omitempty"`
	HoldUntil           time.Time    `json:"hold_until,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

// health tracks one source. The breaker decides closed/open/half-open on its
// fixed timeout; holdUntil stretches each reopen exponentially on top of it.
// An attempt abandoned by its caller in the closed state is never reported to
// the breaker; a half-open trial always is, so its slot is released.
// Never call into cb while holding mu: the breaker invokes onStateChange under its own lock.
type health struct {
	src      datafetcher.Source
	priority int
	caps     []datafetcher.Capability
	cb       *gobreaker.TwoStepCircuitBreaker

	mu          sync.Mutex
	failures    int
	lastSuccess time.Time
	lastFailure time.Time
	holdUntil   time.Time
	lastErr     string
	cooldown    *backoff.ExponentialBackOff
}

func newCooldown(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.CoolDown
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxCoolDown
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (h *health) onStateChange(now time.Time, to gobreaker.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		h.holdUntil = now.Add(h.cooldown.NextBackOff())
	case gobreaker.StateClosed:
		h.cooldown.Reset()
		h.holdUntil = time.Time{}
	}
}

func (h *health) recordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastSuccess = now
	h.lastErr = ""
}

func (h *health) recordFailure(now time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastFailure = now
	h.lastErr = err.Error()
}

type view struct {
	state       gobreaker.State
	lastSuccess time.Time
	holdUntil   time.Time
}

func (h *health) view() view {
	state := h.cb.State()
	h.mu.Lock()
	defer h.mu.Unlock()
	return view{state: state, lastSuccess: h.lastSuccess, holdUntil: h.holdUntil}
}

func (h *health) snapshot(now time.Time) SourceHealth {
	state := h.cb.State()
	h.mu.Lock()
	defer h.mu.Unlock()

	s := SourceHealth{
		Name:                h.src.Name(),
		Priority:            h.priority,
		ConsecutiveFailures: h.failures,
		LastSuccess:         h.lastSuccess,
		LastFailure:         h.lastFailure,
		LastError:           h.lastErr,
	}
	for _, c := range h.caps {
		s.Capabilities = append(s.Capabilities, string(c))
	}
	switch {
	case state == gobreaker.StateClosed:
		s.State = StateClosed
	case state == gobreaker.StateOpen || now.Before(h.holdUntil):
		s.State = StateOpen
		s.HoldUntil = h.holdUntil
	default:
		s.State = StateHalfOpen
	}
	return s
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
