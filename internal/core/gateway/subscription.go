package gateway

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/worldcore/internal/core/models"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

const readBatch = 256

type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	from    Cursor
	hasFrom bool
}

// FromCursor starts a subscription at c instead of the hub head, to resume
// after a reconnect.
func FromCursor(c Cursor) SubscribeOption {
	return func(o *subscribeOptions) { o.from, o.hasFrom = c, true }
}

// Subscription is a cancellable reader over the delta hub. It is not safe
// for concurrent reads.
type Subscription struct {
	id     string
	hub    *Hub
	filter Filter
	locate Locator

	cursor  Cursor
	pending []entry
	err     error

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func newSubscription(h *Hub, f Filter, locate Locator, from Cursor, onClose func()) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		hub:     h,
		filter:  f,
		locate:  locate,
		cursor:  from,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Subscription) ID() string { return s.id }

// Cursor is the position the next read starts from. Passing it to
// FromCursor resumes the stream without gaps.
func (s *Subscription) Cursor() Cursor {
	if len(s.pending) > 0 {
		return s.pending[0].cursor
	}
	return s.cursor
}

// Err is the error that ended the last Deltas iteration, if any.
func (s *Subscription) Err() error { return s.err }

// Next blocks until a matching delta is available.
func (s *Subscription) Next(ctx context.Context) (models.SyncDelta, error) {
	for {
		for len(s.pending) > 0 {
			e := s.pending[0]
			s.pending = s.pending[1:]
			if d, ok := s.filter.Apply(e.delta, s.locate); ok {
				return d, nil
			}
		}

		select {
		case <-s.closed:
			return models.SyncDelta{}, ErrSubscriptionClosed
		default:
		}

		batch, next, wake, err := s.hub.read(s.cursor, readBatch)
		if err != nil {
			return models.SyncDelta{}, err
		}
		if len(batch) > 0 {
			s.pending, s.cursor = batch, next
			continue
		}

		select {
		case <-wake:
		case <-s.closed:
			return models.SyncDelta{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return models.SyncDelta{}, ctx.Err()
		}
	}
}

// Deltas yields matching deltas until ctx ends, the subscription is closed
// or its cursor expires. Ranging again continues where the last range
// stopped.
func (s *Subscription) Deltas(ctx context.Context) iter.Seq[models.SyncDelta] {
	return func(yield func(models.SyncDelta) bool) {
		s.err = nil
		for {
			d, err := s.Next(ctx)
			if err != nil {
				s.err = err
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.closed }
