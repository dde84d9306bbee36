package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("subscriber closed")

// Subscriber is one live consumer with its own bounded outbound queue.
// When the queue is full the oldest envelope is dropped and the subscriber
// is flagged as lagged; the publisher never waits.
type Subscriber struct {
	ID        string
	CreatedAt time.Time

	queue chan Envelope
	// serializes drop-oldest against concurrent publishers
	mu      sync.Mutex
	dropped atomic.Int64
	lagged  atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	// topic -> subscription time, guarded by the broker's lock
	topics map[string]time.Time
}

func newSubscriber(queueSize int, now time.Time) *Subscriber {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Subscriber{
		ID:        uuid.NewString(),
		CreatedAt: now,
		queue:     make(chan Envelope, queueSize),
		done:      make(chan struct{}),
		topics:    make(map[string]time.Time),
	}
}

// C delivers envelopes in publish order. It is never closed; select on Done too.
func (s *Subscriber) C() <-chan Envelope { return s.queue }

// Done is closed when the subscriber is disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next blocks for the next envelope. Once disconnected it returns ErrClosed
// even if envelopes are still queued.
func (s *Subscriber) Next(ctx context.Context) (Envelope, error) {
	if s.Closed() {
		return Envelope{}, ErrClosed
	}
	select {
	case env := <-s.queue:
		return env, nil
	case <-s.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Dropped is the total number of envelopes discarded for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// TakeLagged reports whether envelopes were dropped since the last call.
func (s *Subscriber) TakeLagged() bool { return s.lagged.Swap(false) }

// deliver enqueues env, evicting the oldest queued envelope when full.
// It reports whether anything was dropped.
func (s *Subscriber) deliver(env Envelope) bool {
	if s.Closed() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := false
	for {
		select {
		case s.queue <- env:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped = true
			s.dropped.Add(1)
			s.lagged.Store(true)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
