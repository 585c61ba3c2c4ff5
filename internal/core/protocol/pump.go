package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// PumpConfig controls how Pump connects and reconnects an adapter.
type PumpConfig struct {
	Endpoint    string
	Credentials Credentials
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// Idle bounds how long Pump waits for Ready before polling anyway.
	Idle   time.Duration
	Logger log.Log
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Idle <= 0 {
		c.Idle = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Provide()
	}
	return c
}

// Sink receives every event polled from an adapter, in order.
type Sink func(ctx context.Context, ev models.PacketEvent)

// Pump connects the adapter and forwards its events to sink until ctx is
// cancelled or the adapter is closed. After a terminal event it reconnects
// with exponential backoff.
func Pump(ctx context.Context, a Adapter, cfg PumpConfig, sink Sink) error {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With(log.Component("pump"), log.String("source_id", string(a.ID())))

	backoff := cfg.MinBackoff
	for {
		handle, err := a.Connect(ctx, cfg.Endpoint, cfg.Credentials)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrAdapterClosed) {
				return nil
			}
			logger.Warn("Connect failed",
				log.String("endpoint", cfg.Endpoint),
				log.Duration("retry_in", backoff),
				log.Error(err),
			)
			// Connection failures are still delivered so the reconciler can
			// freeze the source.
			drain(ctx, a, sink)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, cfg.MaxBackoff)
			continue
		}

		logger.Info("Connected",
			log.String("endpoint", handle.Endpoint),
			log.String("connection_id", string(handle.ID)),
		)
		backoff = cfg.MinBackoff

		terminal, err := stream(ctx, a, cfg.Idle, sink)
		if err != nil {
			return err
		}
		if !terminal {
			return nil
		}
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// stream forwards events until a terminal event is seen. It reports false
// once the adapter has been closed.
func stream(ctx context.Context, a Adapter, idle time.Duration, sink Sink) (bool, error) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		for ev := range a.PollEvents(ctx) {
			sink(ctx, ev)
			if ev.Terminal() {
				if errors.Is(ev.Err, ErrAdapterClosed) {
					return false, nil
				}
				return true, nil
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-a.Ready():
		case <-timer.C:
		}
	}
}

func drain(ctx context.Context, a Adapter, sink Sink) {
	for ev := range a.PollEvents(ctx) {
		sink(ctx, ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
