// Package gateway is the boundary between the world core and its consumers:
// delta subscriptions, entity queries and outbound actions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
	"github.com/zeusync/worldcore/internal/core/store"
)

var (
	ErrNoRoute       = errors.New("no route to entity owner")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrEmptyAction   = errors.New("action name is empty")
)

// Directory answers ownership questions about live entities.
type Directory interface {
	Owner(id models.EntityID) (models.SourceID, bool)
	Key(id models.EntityID) (string, bool)
	Confidence(id models.EntityID, t models.ComponentType) models.Confidence
}

// ActionSink delivers actions to an external source. Protocol adapters
// satisfy it.
type ActionSink interface {
	SubmitAction(ctx context.Context, action models.ActionPayload) error
}

type Action struct {
	Name string         `json:"name"`
	Args models.Payload `json:"args,omitempty"`
}

type ComponentSnapshot struct {
	Type       models.ComponentType
	Payload    models.Payload
	Version    models.Version
	Confidence models.Confidence
}

type EntitySnapshot struct {
	ID         models.EntityID
	Key        string
	Version    models.Version
	Owner      models.SourceID
	Components []ComponentSnapshot
}

type Option func(*Gateway)

func WithLogger(l log.Log) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithCapacity sets how many deltas the hub retains for resuming readers.
func WithCapacity(n int) Option {
	return func(g *Gateway) { g.capacity = n }
}

type Gateway struct {
	store     *store.Store
	directory Directory
	logger    log.Log
	metrics   *metrics.Metrics
	capacity  int
	hub       *Hub
	codec     *Codec

	routesMu sync.RWMutex
	routes   map[models.SourceID]ActionSink

	subscribers atomic.Int64
}

func New(s *store.Store, dir Directory, opts ...Option) *Gateway {
	g := &Gateway{
		store:     s,
		directory: dir,
		logger:    log.Provide(),
		routes:    make(map[models.SourceID]ActionSink),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	g.logger = g.logger.With(log.Component("gateway"))
	g.hub = NewHub(g.capacity)
	g.codec = NewCodec(SchemasOf(s.Registry()))
	return g
}

func (g *Gateway) Hub() *Hub       { return g.hub }
func (g *Gateway) Codec() *Codec   { return g.codec }
func (g *Gateway) Logger() log.Log { return g.logger }

// Subscribers counts the open subscriptions.
func (g *Gateway) Subscribers() int { return int(g.subscribers.Load()) }

// Route registers the sink that receives actions for entities owned by source.
func (g *Gateway) Route(source models.SourceID, sink ActionSink) {
	g.routesMu.Lock()
	defer g.routesMu.Unlock()
	if sink == nil {
		delete(g.routes, source)
		return
	}
	g.routes[source] = sink
}

// Publish appends a committed delta to the hub.
func (g *Gateway) Publish(d models.SyncDelta) {
	g.hub.Publish(d)
}

// SubscribeDeltas opens a subscription at the hub head, or at the cursor
// given with FromCursor.
func (g *Gateway) SubscribeDeltas(f Filter, opts ...SubscribeOption) (*Subscription, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	from := g.hub.Head()
	if o.hasFrom {
		if o.from < g.hub.Oldest() {
			return nil, ErrCursorExpired
		}
		from = min(o.from, from)
	}

	g.metrics.Subscribers.Inc()
	g.subscribers.Add(1)
	sub := newSubscription(g.hub, f, g.locate, from, func() {
		g.metrics.Subscribers.Dec()
		g.subscribers.Add(-1)
	})
	g.logger.Debug("subscription opened",
		log.String("subscription_id", sub.ID()),
		log.Uint64("cursor", uint64(from)),
	)
	return sub, nil
}

func (g *Gateway) locate(id models.EntityID, t models.ComponentType) (models.Payload, bool) {
	c, ok := g.store.GetComponent(id, t)
	if !ok {
		return nil, false
	}
	return c.Payload, true
}

// QueryEntity returns the current state of an entity.
func (g *Gateway) QueryEntity(id models.EntityID) (EntitySnapshot, bool) {
	view, ok := g.store.Entity(id)
	if !ok {
		return EntitySnapshot{}, false
	}
	snap := EntitySnapshot{ID: id, Version: view.Version()}
	snap.Key, _ = g.directory.Key(id)
	snap.Owner, _ = g.directory.Owner(id)
	for _, c := range view.Components() {
		snap.Components = append(snap.Components, ComponentSnapshot{
			Type:       c.Type,
			Payload:    c.Payload.Clone(),
			Version:    c.Version,
			Confidence: g.directory.Confidence(id, c.Type),
		})
	}
	sort.Slice(snap.Components, func(i, j int) bool { return snap.Components[i].Type < snap.Components[j].Type })
	return snap, true
}

// SubmitAction forwards an action to the source that owns the entity and
// returns the action id.
func (g *Gateway) SubmitAction(ctx context.Context, id models.EntityID, a Action) (string, error) {
	if a.Name == "" {
		g.metrics.Actions.WithLabelValues("invalid").Inc()
		return "", ErrEmptyAction
	}
	owner, ok := g.directory.Owner(id)
	if !ok {
		g.metrics.Actions.WithLabelValues("unknown_entity").Inc()
		return "", fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	g.routesMu.RLock()
	sink := g.routes[owner]
	g.routesMu.RUnlock()
	if sink == nil {
		g.metrics.Actions.WithLabelValues("no_route").Inc()
		return "", fmt.Errorf("%w: %s", ErrNoRoute, owner)
	}

	actionID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("action id: %w", err)
	}
	key, _ := g.directory.Key(id)
	payload := models.ActionPayload{
		ID:     actionID,
		Entity: models.EntityRef{ID: id, Key: key},
		Name:   a.Name,
		Args:   a.Args,
	}
	if err := sink.SubmitAction(ctx, payload); err != nil {
		g.metrics.Actions.WithLabelValues("failed").Inc()
		g.logger.Warn("action delivery failed",
			log.Uint64("entity_id", uint64(id)),
			log.String("source_id", string(owner)),
			log.Error(err),
		)
		return "", err
	}
	g.metrics.Actions.WithLabelValues("submitted").Inc()
	return actionID, nil
}
