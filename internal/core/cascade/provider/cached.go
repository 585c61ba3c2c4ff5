package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zeusync/worldcore/internal/core/cascade"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// Store is the key/value backend of Cached.
type Store interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type redisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	default:
		return v, true, nil
	}
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Cached memoizes a provider's responses per entity version and tier.
// Cache failures fall through to the wrapped provider.
type Cached struct {
	next   cascade.Provider
	store  Store
	ttl    time.Duration
	prefix string
	logger log.Log
}

var _ cascade.Provider = (*Cached)(nil)

func NewCached(next cascade.Provider, store Store, ttl time.Duration, logger log.Log) *Cached {
	if logger == nil {
		logger = log.Provide()
	}
	return &Cached{
		next:   next,
		store:  store,
		ttl:    ttl,
		prefix: "worldcore:enrich",
		logger: logger.With(log.Component("provider.cached")),
	}
}

func (c *Cached) key(req cascade.Request) string {
	return fmt.Sprintf("%s:%s:%d:%d", c.prefix, req.Tier, req.Entity.ID, req.Entity.Version)
}

func (c *Cached) Enrich(ctx context.Context, req cascade.Request) (cascade.Response, error) {
	key := c.key(req)
	data, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Debug("Cache read failed", log.String("key", key), log.Error(err))
	case ok:
		resp, err := DecodeResponse(data)
		if err == nil {
			return resp, nil
		}
		c.logger.Debug("Dropped undecodable cache entry", log.String("key", key), log.Error(err))
	}

	resp, err := c.next.Enrich(ctx, req)
	if err != nil {
		return resp, err
	}
	if data, err := EncodeResponse(resp, nil); err == nil {
		if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Debug("Cache write failed", log.String("key", key), log.Error(err))
		}
	}
	return resp, nil
}
