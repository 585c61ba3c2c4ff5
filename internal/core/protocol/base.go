package protocol

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
)

const (
	defaultBufferSize = 4096
	defaultMaxBatch   = 256
)

type BaseOption func(*Base)

func WithDecoder(d Decoder) BaseOption {
	return func(b *Base) {
		if d != nil {
			b.decoder = d
		}
	}
}

func WithLimits(l Limits) BaseOption {
	return func(b *Base) { b.limits = l }
}

// WithBufferSize bounds the number of events held between polls.
func WithBufferSize(n int) BaseOption {
	return func(b *Base) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMaxBatch bounds the number of events yielded by one PollEvents call.
func WithMaxBatch(n int) BaseOption {
	return func(b *Base) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

func WithLogger(l log.Log) BaseOption {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) BaseOption {
	return func(b *Base) { b.metrics = m }
}

// Base carries the machinery shared by all adapters: the source's logical
// clock, decoding and validation of wire packets, the bounded event buffer and
// the terminal/resumed signalling. Concrete adapters embed it and feed raw
// frames through Ingest.
type Base struct {
	id       models.SourceID
	clock    *LogicalClock
	decoder  Decoder
	limits   Limits
	capacity int
	maxBatch int
	logger   log.Log
	metrics  *metrics.Metrics

	mu        sync.Mutex
	buf       []models.PacketEvent
	suspended bool
	ready     chan struct{}

	state   atomic.Int32
	dropped sync.Map // reason -> *atomic.Uint64
}

func NewBase(id models.SourceID, opts ...BaseOption) *Base {
	b := &Base{
		id:       id,
		clock:    NewLogicalClock(),
		decoder:  JSONDecoder,
		limits:   DefaultLimits(),
		capacity: defaultBufferSize,
		maxBatch: defaultMaxBatch,
		logger:   log.Provide(),
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(log.Component("adapter"), log.String("source_id", string(id)))
	return b
}

func (b *Base) ID() models.SourceID { return b.id }

func (b *Base) Clock() *LogicalClock { return b.clock }

func (b *Base) Limits() Limits { return b.limits }

func (b *Base) Logger() log.Log { return b.logger }

func (b *Base) Ready() <-chan struct{} { return b.ready }

func (b *Base) State() ConnectionState { return ConnectionState(b.state.Load()) }

func (b *Base) SetState(s ConnectionState) {
	b.state.Store(int32(s))
	if b.metrics != nil {
		v := 0.0
		if s == StateConnected {
			v = 1
		}
		b.metrics.SourceState.WithLabelValues(string(b.id)).Set(v)
	}
}

// Ingest decodes one raw frame and emits it. Failures are counted and
// returned; the stream itself is unaffected.
func (b *Base) Ingest(raw []byte) error {
	if b.limits.MaxFrameSize > 0 && len(raw) > b.limits.MaxFrameSize {
		b.Dropped(metrics.ReasonInvalid)
		return NewProtocolError(b.id, "ingest", ErrFrameTooLarge)
	}
	pkt, err := b.decoder.Decode(raw)
	if err != nil {
		b.Dropped(metrics.ReasonDecode)
		b.logger.Debug("Dropped undecodable packet", log.Error(err))
		return NewProtocolError(b.id, "decode", err)
	}
	return b.Emit(pkt)
}

// Emit validates a decoded packet, stamps it with the source clock and buffers
// the resulting event.
func (b *Base) Emit(pkt WirePacket) error {
	if b.metrics != nil {
		b.metrics.PacketsReceived.WithLabelValues(string(b.id)).Inc()
	}

	kind, patches, err := Validate(pkt, b.limits)
	if err != nil {
		b.Dropped(metrics.ReasonInvalid)
		b.logger.Debug("Dropped invalid packet", log.String("entity", pkt.Entity), log.Error(err))
		return NewProtocolError(b.id, "validate", err)
	}

	stamp, ok := b.clock.Observe(pkt.Seq)
	if !ok {
		b.Dropped(metrics.ReasonOutOfOrder)
		b.logger.Debug("Dropped regressed packet",
			log.String("entity", pkt.Entity),
			log.Uint64("seq", pkt.Seq),
			log.Uint64("current", stamp.Seq),
		)
		return NewProtocolError(b.id, "order", ErrSequenceRegressed)
	}

	return b.enqueue(ToEvent(b.id, pkt, kind, patches, stamp))
}

// Terminate ends the current stream with a suspended event. The terminal event
// is always buffered, even when the buffer is full.
func (b *Base) Terminate(cause error) {
	b.mu.Lock()
	if b.suspended {
		b.mu.Unlock()
		return
	}
	b.suspended = true
	b.buf = append(b.buf, models.PacketEvent{
		Kind:            models.EventSuspended,
		Source:          b.id,
		SourceTimestamp: time.Now(),
		SourceSequence:  b.clock.Current().Seq,
		Err:             cause,
	})
	b.mu.Unlock()

	b.SetState(StateSuspended)
	b.logger.Warn("Source suspended", log.Error(cause))
	b.signal()
}

// Resume emits a resumed event if the stream was terminated.
func (b *Base) Resume() {
	b.mu.Lock()
	if !b.suspended {
		b.mu.Unlock()
		b.SetState(StateConnected)
		return
	}
	b.suspended = false
	b.buf = append(b.buf, models.PacketEvent{
		Kind:            models.EventResumed,
		Source:          b.id,
		SourceTimestamp: time.Now(),
		SourceSequence:  b.clock.Current().Seq,
	})
	b.mu.Unlock()

	b.SetState(StateConnected)
	b.logger.Info("Source resumed")
	b.signal()
}

// Suspended reports whether the last emitted signal was terminal.
func (b *Base) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// PollEvents yields up to MaxBatch buffered events. Events not consumed by
// the caller stay buffered for the next call.
func (b *Base) PollEvents(ctx context.Context) iter.Seq[models.PacketEvent] {
	return func(yield func(models.PacketEvent) bool) {
		for range b.maxBatch {
			if ctx.Err() != nil {
				return
			}
			ev, ok := b.pop()
			if !ok {
				return
			}
			if !yield(ev) {
				return
			}
		}
		if b.Pending() > 0 {
			b.signal()
		}
	}
}

// Pending returns the number of buffered events.
func (b *Base) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped counts a packet discarded before it became an event.
func (b *Base) Dropped(reason string) {
	c, _ := b.dropped.LoadOrStore(reason, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)
	if b.metrics != nil {
		b.metrics.PacketsDropped.WithLabelValues(string(b.id), reason).Inc()
	}
}

// DropCount returns how many packets were dropped for reason.
func (b *Base) DropCount(reason string) uint64 {
	c, ok := b.dropped.Load(reason)
	if !ok {
		return 0
	}
	return c.(*atomic.Uint64).Load()
}

func (b *Base) enqueue(ev models.PacketEvent) error {
	b.mu.Lock()
	if len(b.buf) >= b.capacity {
		b.mu.Unlock()
		b.Dropped(metrics.ReasonOverflow)
		b.logger.Warn("Event buffer full, dropping packet", log.String("entity", ev.Entity.String()))
		return NewProtocolError(b.id, "enqueue", ErrBufferFull)
	}
	b.buf = append(b.buf, ev)
	b.mu.Unlock()

	b.signal()
	return nil
}

func (b *Base) pop() (models.PacketEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return models.PacketEvent{}, false
	}
	ev := b.buf[0]
	b.buf[0] = models.PacketEvent{}
	b.buf = b.buf[1:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return ev, true
}

func (b *Base) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
