package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/worldcore/internal/config"
	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/gateway"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
	"github.com/zeusync/worldcore/internal/core/protocol/memory"
	natsadapter "github.com/zeusync/worldcore/internal/core/protocol/nats"
	quicadapter "github.com/zeusync/worldcore/internal/core/protocol/quic"
	wsadapter "github.com/zeusync/worldcore/internal/core/protocol/websocket"
	"github.com/zeusync/worldcore/internal/core/store/journal"
)

func (s *Server) buildAdapters() error {
	opts := []protocol.BaseOption{
		protocol.WithLogger(s.base),
		protocol.WithMetrics(s.metrics),
	}

	for _, sc := range s.cfg.Sources.List {
		id := models.SourceID(sc.ID)
		a, ok := s.overrides[id]
		if !ok {
			var err error
			if a, err = newAdapter(sc, opts); err != nil {
				return err
			}
		}
		s.adapters[id] = a
		s.pumps[id] = sc.Pump()
	}
	for id, a := range s.overrides {
		if _, ok := s.adapters[id]; !ok {
			s.adapters[id] = a
			s.pumps[id] = protocol.PumpConfig{}
		}
	}

	for id, a := range s.adapters {
		s.gateway.Route(id, a)
	}
	return nil
}

func newAdapter(sc config.SourceConfig, opts []protocol.BaseOption) (protocol.Adapter, error) {
	id := models.SourceID(sc.ID)
	switch sc.Protocol {
	case "memory":
		return memory.New(id, memory.WithToken(sc.Credentials.Token), memory.WithBase(opts...)), nil
	case "quic":
		return quicadapter.New(id, quicadapter.DefaultConfig(), opts...), nil
	case "websocket":
		return wsadapter.New(id, wsadapter.DefaultConfig(), opts...), nil
	case "nats":
		return natsadapter.New(id, natsadapter.Config{Subject: sc.Subject}, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q for source %q", ErrUnknownProtocol, sc.Protocol, sc.ID)
	}
}

// openJournal restores the confirmed state the journal holds and subscribes
// the journal writer to confirmed deltas from then on.
func (s *Server) openJournal(ctx context.Context) error {
	j, err := journal.Open(s.cfg.World.Journal)
	if err != nil {
		return err
	}
	s.journal = j

	if err = s.restore(ctx); err != nil {
		return err
	}

	sub, err := s.gateway.SubscribeDeltas(gateway.Filter{})
	if err != nil {
		return err
	}
	s.journalSub = sub
	return nil
}

func (s *Server) restore(ctx context.Context) error {
	reg := s.store.Registry()
	restored, dropped := 0, 0

	err := s.journal.Load(ctx, func(e journal.Entry) error {
		comps := e.Components[:0:0]
		for _, c := range e.Components {
			if !reg.Has(c.Type) {
				dropped++
				continue
			}
			comps = append(comps, c)
		}
		if err := s.store.RestoreEntity(e.ID, e.Version, comps); err != nil {
			return err
		}
		s.reconciler.Adopt(e.ID, e.Key, e.Owner)
		restored++
		return nil
	})
	var last models.EntityID
	if err == nil {
		last, err = s.journal.LastID(ctx)
	}
	if err == nil {
		err = s.store.ReserveIDs(last)
	}
	if err != nil {
		if errs.IsFatal(err) {
			s.logger.Error("Journal contradicts store invariants", log.Error(err))
		}
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}

	s.logger.Info("World restored",
		log.String("journal", s.cfg.World.Journal),
		log.Int("entities", restored),
		log.Uint64("last_id", uint64(last)),
		log.Int("dropped_components", dropped))
	return nil
}

// persist appends every confirmed delta to the journal until ctx ends.
func (s *Server) persist(ctx context.Context) error {
	logger := s.logger.With(log.String("worker", "journal"))
	for {
		s.journalMu.Lock()
		sub := s.journalSub
		s.journalMu.Unlock()
		if sub == nil {
			return nil
		}

		d, err := sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrCursorExpired):
			logger.Error("Journal writer fell behind, resubscribing at head", log.Error(err))
			if err := s.resubscribeJournal(sub); err != nil {
				return err
			}
			continue
		case ctx.Err() != nil, errors.Is(err, gateway.ErrSubscriptionClosed):
			return nil
		default:
			return err
		}

		if err := s.journal.Append(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Journal append failed",
				log.String("entity_id", d.Entity.String()),
				log.Error(err))
		}
	}
}

func (s *Server) resubscribeJournal(old *gateway.Subscription) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	old.Close()
	sub, err := s.gateway.SubscribeDeltas(gateway.Filter{})
	if err != nil {
		return err
	}
	s.journalSub = sub
	return nil
}

// flushJournal writes the confirmed deltas still buffered for the journal.
func (s *Server) flushJournal() {
	if s.journal == nil {
		return
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.journalSub == nil {
		return
	}

	done, cancel := context.WithCancel(context.Background())
	cancel()
	flushed := 0
	for {
		d, err := s.journalSub.Next(done)
		if err != nil {
			break
		}
		if err := s.journal.Append(context.Background(), d); err != nil {
			s.logger.Error("Journal append failed", log.String("entity_id", d.Entity.String()), log.Error(err))
			continue
		}
		flushed++
	}
	if flushed > 0 {
		s.logger.Debug("Journal flushed", log.Int("deltas", flushed))
	}
}

// applyHandoffs moves the entities of every source with handoff_to set and
// records the new owners in the journal.
func (s *Server) applyHandoffs(ctx context.Context, cfg *config.Config) {
	for _, sc := range cfg.Sources.List {
		if sc.HandoffTo == "" {
			continue
		}
		from, to := models.SourceID(sc.ID), models.SourceID(sc.HandoffTo)
		moved := s.reconciler.Handoff(from, to)
		if len(moved) == 0 {
			continue
		}
		if s.journal != nil {
			for _, id := range moved {
				if err := s.journal.SetOwner(ctx, id, to); err != nil {
					s.logger.Error("Failed to record handoff", log.String("entity_id", id.String()), log.Error(err))
				}
			}
		}
		s.logger.Info("Entities handed off",
			log.String("from", string(from)),
			log.String("to", string(to)),
			log.Int("entities", len(moved)))
	}
}

// Reload applies the parts of a new configuration that take effect live:
// source policies, the escalation policy and handoffs. Everything else is
// logged and waits for a restart.
func (s *Server) Reload(next *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	changes := config.Changes(s.cfg, next)
	if len(changes) == 0 {
		return
	}

	fallback, policies, err := next.Policies()
	if err != nil {
		s.logger.Warn("Configuration reload rejected", log.Error(err))
		return
	}
	policy, err := next.Cascade.Policy.Build()
	if err != nil {
		s.logger.Warn("Configuration reload rejected", log.Error(err))
		return
	}

	s.reconciler.SetPriorities(fallback, policies...)
	if err := s.cascade.SetPolicy(policy); err != nil {
		s.logger.Warn("Escalation policy not applied", log.Error(err))
	}
	s.applyHandoffs(context.Background(), next)

	s.cfg = next.Clone()
	s.logger.Info("Configuration reloaded", log.Strings("changes", changes))
}
