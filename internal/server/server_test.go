package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/config"
	"github.com/zeusync/worldcore/internal/core/gateway"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
	"github.com/zeusync/worldcore/internal/core/protocol/memory"
	"github.com/zeusync/worldcore/internal/server"
)

const world = `
gateway:
  listen: "127.0.0.1:0"
  token: secret
world:
  journal: %q
components:
  - type: position
  - type: health
sources:
  list:
    - id: client
      protocol: memory
      priority: 2
      spawn_on_demand: true
    - id: backup
      protocol: memory
      priority: 1
`

func loadConfig(t *testing.T, journal string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(world, journal)))
	require.NoError(t, err)
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	s, err := server.New(cfg, server.WithLogger(log.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func memoryAdapter(t *testing.T, s *server.Server, id models.SourceID) *memory.Adapter {
	t.Helper()
	a, ok := s.Adapter(id)
	require.True(t, ok)
	m, ok := a.(*memory.Adapter)
	require.True(t, ok)
	return m
}

func send(t *testing.T, a *memory.Adapter, pkt protocol.WirePacket) {
	t.Helper()
	require.Eventually(t, func() bool { return a.SendPacket(pkt) == nil }, 2*time.Second, 10*time.Millisecond)
}

func resolve(t *testing.T, s *server.Server, key string) models.EntityID {
	t.Helper()
	var id models.EntityID
	require.Eventually(t, func() bool {
		var ok bool
		id, ok = s.Reconciler().Resolve(models.EntityRef{Key: key})
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func TestNew(t *testing.T) {
	t.Run("invalid configuration", func(t *testing.T) {
		cfg := loadConfig(t, "")
		cfg.Sources.List = append(cfg.Sources.List, config.SourceConfig{ID: "x", Protocol: "smoke"})
		_, err := server.New(cfg, server.WithLogger(log.Nop()))
		assert.ErrorIs(t, err, server.ErrInvalidConfig)
	})

	t.Run("adapters are routed per source", func(t *testing.T) {
		s := newServer(t, loadConfig(t, ""))
		for _, id := range []models.SourceID{"client", "backup"} {
			_, ok := s.Adapter(id)
			assert.True(t, ok, id)
		}
	})

	t.Run("injected adapter replaces the configured one", func(t *testing.T) {
		custom := memory.New("client", memory.WithBase(protocol.WithLogger(log.Nop())))
		s, err := server.New(loadConfig(t, ""), server.WithLogger(log.Nop()), server.WithAdapter(custom))
		require.NoError(t, err)
		defer s.Close()

		a, ok := s.Adapter("client")
		require.True(t, ok)
		assert.Same(t, custom, a)
	})
}

func TestLifecycle(t *testing.T) {
	s := newServer(t, loadConfig(t, ""))
	ctx := context.Background()

	require.ErrorIs(t, s.Stop(ctx), server.ErrServerNotRunning)
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), server.ErrServerAlreadyRunning)
	assert.True(t, s.GetStats().Running)

	client := memoryAdapter(t, s, "client")
	send(t, client, protocol.WirePacket{
		Entity:     "guard-2",
		Seq:        2,
		Components: map[string]map[string]any{"health": {"hp": 3.0}},
	})
	removedID := resolve(t, s, "guard-2")
	send(t, client, protocol.WirePacket{Entity: "guard-2", Kind: "remove", Seq: 3})
	require.Eventually(t, func() bool { return !s.Store().Exists(removedID) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(ctx), server.ErrServerClosed)
}

func TestWorld(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "world.db")
	cfg := loadConfig(t, journal)
	ctx := context.Background()

	s := newServer(t, cfg)
	require.NoError(t, s.Start(ctx))
	base := "http://" + s.Addr().String()

	client := memoryAdapter(t, s, "client")
	send(t, client, protocol.WirePacket{
		Entity:     "guard-1",
		Seq:        1,
		Components: map[string]map[string]any{"position": {"x": 1.5, "y": 2.0}},
	})
	id := resolve(t, s, "guard-1")

	t.Run("entity query", func(t *testing.T) {
		resp, err := http.Get(base + "/v1/entities/" + id.String() + "?token=secret")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Key   string `json:"key"`
			Owner string `json:"owner"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "guard-1", body.Key)
		assert.Equal(t, "client", body.Owner)
	})

	t.Run("unauthorized", func(t *testing.T) {
		resp, err := http.Get(base + "/v1/entities/" + id.String())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health and metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Status string       `json:"status"`
			Stats  server.Stats `json:"stats"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, 1, body.Stats.Entities)

		m, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		m.Body.Close()
		assert.Equal(t, http.StatusOK, m.StatusCode)
	})

	t.Run("actions reach the owner", func(t *testing.T) {
		actionID, err := s.Gateway().SubmitAction(ctx, id, gateway.Action{Name: "patrol"})
		require.NoError(t, err)

		actions := client.Actions()
		require.Len(t, actions, 1)
		assert.Equal(t, actionID, actions[0].ID)
		assert.Equal(t, "patrol", actions[0].Name)
	})

	t.Run("reload applies priorities and handoffs", func(t *testing.T) {
		next := cfg.Clone()
		next.Sources.List[1].Priority = 7
		next.Sources.List[0].HandoffTo = "backup"
		s.Reload(next)

		assert.Equal(t, 7, s.Reconciler().Policy("backup").Priority)
		owner, ok := s.Reconciler().Owner(id)
		require.True(t, ok)
		assert.Equal(t, models.SourceID("backup"), owner)
	})

	send(t, client, protocol.WirePacket{
		Entity:     "guard-2",
		Seq:        2,
		Components: map[string]map[string]any{"health": {"hp": 3.0}},
	})
	removedID := resolve(t, s, "guard-2")
	send(t, client, protocol.WirePacket{Entity: "guard-2", Kind: "remove", Seq: 3})
	require.Eventually(t, func() bool { return !s.Store().Exists(removedID) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Close())

	t.Run("restart restores confirmed state", func(t *testing.T) {
		restarted := newServer(t, loadConfig(t, journal))

		restoredID, ok := restarted.Reconciler().Resolve(models.EntityRef{Key: "guard-1"})
		require.True(t, ok)
		assert.Equal(t, id, restoredID)

		owner, ok := restarted.Reconciler().Owner(id)
		require.True(t, ok)
		assert.Equal(t, models.SourceID("backup"), owner)

		c, ok := restarted.Store().GetComponent(id, "position")
		require.True(t, ok)
		assert.Equal(t, 1.5, c.Payload["x"])

		_, ok = restarted.Reconciler().Resolve(models.EntityRef{Key: "guard-2"})
		assert.False(t, ok)
		assert.Greater(t, restarted.Store().CreateEntity(), removedID)
	})
}
