package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldcore/internal/config"
	"github.com/zeusync/worldcore/internal/core/cascade"
	"github.com/zeusync/worldcore/internal/core/cascade/provider"
	"github.com/zeusync/worldcore/internal/core/gateway"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
	"github.com/zeusync/worldcore/internal/core/protocol"
	"github.com/zeusync/worldcore/internal/core/reconciler"
	"github.com/zeusync/worldcore/internal/core/store"
	"github.com/zeusync/worldcore/internal/core/store/journal"
	"github.com/zeusync/worldcore/pkg/concurrent"
	"github.com/zeusync/worldcore/pkg/sequence"
)

const shutdownTimeout = 5 * time.Second

// Server hosts one world: the entity store, the reconciler fed by every
// configured source, the enrichment cascade and the gateway consumers read
// deltas from.
type Server struct {
	cfg     *config.Config
	cfgMu   sync.Mutex
	cfgPath string

	base    log.Log
	logger  log.Log
	metrics *metrics.Metrics

	store      *store.Store
	reconciler *reconciler.Reconciler
	cascade    *cascade.Cascade
	gateway    *gateway.Gateway
	journal    *journal.Journal

	// journalSub is owned by the journal writer while the server runs.
	journalMu  sync.Mutex
	journalSub *gateway.Subscription

	adapters  map[models.SourceID]protocol.Adapter
	pumps     map[models.SourceID]protocol.PumpConfig
	overrides map[models.SourceID]protocol.Adapter
	providers map[models.Tier]cascade.Provider

	natsConn *nats.Conn
	redis    redis.UniversalClient

	httpServer *http.Server
	listener   net.Listener

	running int32 // atomic bool
	closed  int32 // atomic bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type Option func(*Server)

func WithLogger(l log.Log) Option {
	return func(s *Server) {
		if l != nil {
			s.base = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithConfigPath reloads source priorities, escalation policy and handoffs
// whenever the file changes.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.cfgPath = path }
}

// WithAdapter uses a instead of the adapter the configuration would build
// for its source. Sources missing from the configuration are pumped with
// default connection settings.
func WithAdapter(a protocol.Adapter) Option {
	return func(s *Server) { s.overrides[a.ID()] = a }
}

// WithProvider installs an enrichment provider for a tier, replacing the
// configured remote one.
func WithProvider(t models.Tier, p cascade.Provider) Option {
	return func(s *Server) { s.providers[t] = p }
}

// New builds every world component from cfg. When a journal is configured
// the confirmed state it holds is restored before New returns.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &Server{
		cfg:       cfg.Clone(),
		base:      log.Provide(),
		adapters:  make(map[models.SourceID]protocol.Adapter),
		pumps:     make(map[models.SourceID]protocol.PumpConfig),
		overrides: make(map[models.SourceID]protocol.Adapter),
		providers: make(map[models.Tier]cascade.Provider),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.logger = s.base.With(log.Component("server"))

	if err := s.build(); err != nil {
		_ = s.release()
		return nil, err
	}

	s.logger.Info("Server created",
		log.String("listen_addr", s.cfg.Gateway.Listen),
		log.Int("sources", len(s.adapters)),
		log.Int("entities", s.store.Len()))

	return s, nil
}

func (s *Server) build() error {
	reg, err := s.cfg.Registry()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	fallback, policies, err := s.cfg.Policies()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s.store = store.New(reg,
		store.WithLogger(s.base),
		store.WithMetrics(s.metrics),
		store.WithShards(s.cfg.World.Shards))

	s.reconciler = reconciler.New(s.store,
		reconciler.WithLogger(s.base),
		reconciler.WithMetrics(s.metrics),
		reconciler.WithPolicies(fallback, policies...),
		reconciler.WithConflictWindow(s.cfg.World.ConflictWindow.Std()),
		reconciler.WithShards(s.cfg.World.Shards),
		reconciler.WithTimerTick(s.cfg.World.TimerTick.Std()),
		reconciler.WithPublisher(reconciler.PublisherFunc(s.publish)))

	s.gateway = gateway.New(s.store, s.reconciler,
		gateway.WithLogger(s.base),
		gateway.WithMetrics(s.metrics),
		gateway.WithCapacity(s.cfg.Gateway.HubCapacity))

	if s.cfg.World.Journal != "" {
		if err = s.openJournal(context.Background()); err != nil {
			return err
		}
	}

	if err = s.buildCascade(); err != nil {
		return err
	}

	if err = s.buildAdapters(); err != nil {
		return err
	}

	s.applyHandoffs(context.Background(), s.cfg)
	return nil
}

func (s *Server) publish(d models.SyncDelta) { s.gateway.Publish(d) }

func (s *Server) buildCascade() error {
	cc, err := s.cfg.CascadeConfig()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	remote, err := s.remoteProviders()
	if err != nil {
		return err
	}
	for t, p := range s.providers {
		remote[t] = p
	}

	opts := []cascade.Option{
		cascade.WithLogger(s.base),
		cascade.WithMetrics(s.metrics),
		cascade.WithMerger(s.reconciler),
	}
	for t, p := range remote {
		opts = append(opts, cascade.WithProvider(t, p))
	}

	s.cascade, err = cascade.New(cc, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	s.reconciler.Bind(s.cascade)
	return nil
}

// remoteProviders connects the NATS enrichment service for the configured
// tiers, with a Redis result cache in front when one is configured.
func (s *Server) remoteProviders() (map[models.Tier]cascade.Provider, error) {
	out := make(map[models.Tier]cascade.Provider)
	pc := s.cfg.Cascade.Provider
	if pc.URL == "" || len(pc.Tiers) == 0 {
		return out, nil
	}

	conn, err := nats.Connect(pc.URL,
		nats.Name("worldcore-cascade"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect enrichment provider: %w", err)
	}
	s.natsConn = conn

	subject := pc.Subject
	if subject == "" {
		subject = "world.enrich"
	}

	var cache provider.Store
	if addr := s.cfg.Cascade.Cache.Addr; addr != "" {
		s.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cache = provider.NewRedisStore(s.redis)
	}

	for _, name := range pc.Tiers {
		t, err := models.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		var p cascade.Provider = provider.NewNATS(conn, subject, s.base)
		if cache != nil {
			p = provider.NewCached(p, cache, s.cfg.Cascade.Cache.TTL.Std(), s.base)
		}
		out[t] = p
	}

	s.logger.Info("Enrichment provider configured",
		log.String("url", pc.URL),
		log.String("subject", subject),
		log.Strings("tiers", pc.Tiers),
		log.Bool("cached", cache != nil))

	return out, nil
}

// Start opens the listener and runs one pump per source, the journal writer,
// the HTTP surface and, with a config path, the reload watcher.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	ln, err := net.Listen("tcp", s.cfg.Gateway.Listen)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return concurrent.Each(gctx, sequence.From(lo.Keys(s.adapters)), 0, func(ctx context.Context, id models.SourceID) error {
			cfg := s.pumps[id]
			cfg.Logger = s.base
			err := protocol.Pump(ctx, s.adapters[id], cfg, s.ingest)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	})

	if s.journal != nil {
		g.Go(func() error { return s.persist(gctx) })
	}

	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if s.cfgPath != "" {
		g.Go(func() error { return config.Watch(gctx, s.cfgPath, s.base, s.Reload) })
	}

	go func() {
		s.err = g.Wait()
		close(s.done)
	}()

	s.logger.Info("Server listening", log.String("addr", ln.Addr().String()))

	return nil
}

func (s *Server) ingest(ctx context.Context, ev models.PacketEvent) {
	outcome, err := s.reconciler.Apply(ctx, ev)
	if err != nil {
		s.logger.Debug("Event rejected",
			log.String("source_id", string(ev.Source)),
			log.String("entity", ev.Entity.String()),
			log.String("outcome", outcome.String()),
			log.Error(err))
	}
}

// Stop cancels the pumps and the HTTP surface, waits for them and flushes
// pending confirmed deltas to the journal. Enrichment still in flight is
// given until ctx expires to land.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.cascade.Drain(ctx); err != nil {
		s.logger.Warn("Enrichment still in flight at shutdown", log.Error(err))
	}
	s.flushJournal()

	s.logger.Info("Server stopped")

	return s.err
}

// Close stops the server if it runs and releases every resource.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.logger.Info("Closing server")

	if atomic.LoadInt32(&s.running) == 1 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = s.Stop(ctx)
		cancel()
	}

	err := s.release()

	s.logger.Info("Server closed")

	return err
}

func (s *Server) release() error {
	var errs []error

	s.journalMu.Lock()
	if s.journalSub != nil {
		s.journalSub.Close()
		s.journalSub = nil
	}
	s.journalMu.Unlock()

	if s.cascade != nil {
		errs = append(errs, s.cascade.Close())
	}
	if s.reconciler != nil {
		s.reconciler.Close()
	}
	errs = append(errs, concurrent.All(sequence.From(lo.Values(s.adapters)), protocol.Adapter.Close))
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

// Done is closed once every worker started by Start has returned; Err then
// holds the first failure.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Addr is the gateway listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Store() *store.Store                { return s.store }
func (s *Server) Reconciler() *reconciler.Reconciler { return s.reconciler }
func (s *Server) Cascade() *cascade.Cascade          { return s.cascade }
func (s *Server) Gateway() *gateway.Gateway          { return s.gateway }

// Adapter returns the adapter pumping a source.
func (s *Server) Adapter(id models.SourceID) (protocol.Adapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	sources := s.reconciler.Sources()
	suspended := 0
	for _, src := range sources {
		if src.Suspended {
			suspended++
		}
	}
	return Stats{
		Entities:         s.store.Len(),
		Tracked:          s.reconciler.Tracked(),
		Sources:          len(sources),
		SuspendedSources: suspended,
		Subscribers:      s.gateway.Subscribers(),
		CascadeLoad:      s.cascade.Load(),
		Running:          atomic.LoadInt32(&s.running) == 1,
	}
}

// Stats contains server statistics
type Stats struct {
	Entities         int     `json:"entities"`
	Tracked          int     `json:"tracked"`
	Sources          int     `json:"sources"`
	SuspendedSources int     `json:"suspended_sources"`
	Subscribers      int     `json:"subscribers"`
	CascadeLoad      float64 `json:"cascade_load"`
	Running          bool    `json:"running"`
}
