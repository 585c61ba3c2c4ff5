// Package config loads the world configuration: components, sources and
// their priorities, the escalation policy and the gateway listener.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/jinzhu/copier"
	"github.com/r3labs/diff/v3"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/worldcore/internal/core/cascade"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
	"github.com/zeusync/worldcore/internal/core/reconciler"
	"github.com/zeusync/worldcore/internal/core/store"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type Config struct {
	Log        LogConfig         `yaml:"log" json:"log"`
	Gateway    GatewayConfig     `yaml:"gateway" json:"gateway"`
	World      WorldConfig       `yaml:"world" json:"world"`
	Components []ComponentConfig `yaml:"components" json:"components" jsonschema:"required"`
	Sources    SourcesConfig     `yaml:"sources" json:"sources"`
	Cascade    CascadeConfig     `yaml:"cascade" json:"cascade"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,enum=fatal,enum=silent"`
	File       string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress" json:"compress,omitempty"`
}

type GatewayConfig struct {
	// Listen serves the delta stream, entity queries and /metrics.
	Listen       string   `yaml:"listen" json:"listen,omitempty"`
	Token        string   `yaml:"token" json:"token,omitempty"`
	HubCapacity  int      `yaml:"hub_capacity" json:"hub_capacity,omitempty"`
	PingInterval Duration `yaml:"ping_interval" json:"ping_interval,omitempty"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout,omitempty"`
}

type WorldConfig struct {
	ConflictWindow Duration `yaml:"conflict_window" json:"conflict_window,omitempty"`
	Shards         int      `yaml:"shards" json:"shards,omitempty"`
	TimerTick      Duration `yaml:"timer_tick" json:"timer_tick,omitempty"`
	// Journal is the SQLite file holding confirmed state. Empty disables it.
	Journal string `yaml:"journal" json:"journal,omitempty"`
}

type ComponentConfig struct {
	Type          string  `yaml:"type" json:"type" jsonschema:"required"`
	SchemaVersion uint16  `yaml:"schema_version" json:"schema_version,omitempty"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance,omitempty"`
	Predictor     string  `yaml:"predictor" json:"predictor,omitempty" jsonschema:"enum=merge,enum=linear"`
}

type SourcesConfig struct {
	// Default applies to sources that are not listed.
	Default PolicyConfig   `yaml:"default" json:"default"`
	List    []SourceConfig `yaml:"list" json:"list"`
}

type PolicyConfig struct {
	Priority      int      `yaml:"priority" json:"priority,omitempty"`
	Role          string   `yaml:"role" json:"role,omitempty" jsonschema:"enum=authoritative,enum=predictive"`
	SpawnOnDemand bool     `yaml:"spawn_on_demand" json:"spawn_on_demand,omitempty"`
	IdleTimeout   Duration `yaml:"idle_timeout" json:"idle_timeout,omitempty"`
}

type SourceConfig struct {
	ID           string               `yaml:"id" json:"id" jsonschema:"required"`
	Protocol     string               `yaml:"protocol" json:"protocol" jsonschema:"required,enum=memory,enum=quic,enum=websocket,enum=nats"`
	Endpoint     string               `yaml:"endpoint" json:"endpoint,omitempty"`
	Subject      string               `yaml:"subject" json:"subject,omitempty"`
	Credentials  protocol.Credentials `yaml:"credentials" json:"credentials,omitempty"`
	PolicyConfig `yaml:",inline"`
	MinBackoff   Duration `yaml:"min_backoff" json:"min_backoff,omitempty"`
	MaxBackoff   Duration `yaml:"max_backoff" json:"max_backoff,omitempty"`
	// HandoffTo moves every entity owned by this source to another source
	// when the configuration is loaded or reloaded.
	HandoffTo string `yaml:"handoff_to" json:"handoff_to,omitempty"`
}

type TierConfig struct {
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`
	Rate    float64  `yaml:"rate" json:"rate,omitempty"`
	Burst   int      `yaml:"burst" json:"burst,omitempty"`
}

type EscalationConfig struct {
	Mode          string            `yaml:"mode" json:"mode,omitempty" jsonschema:"enum=off,enum=always,enum=load,enum=content"`
	MaxTier       string            `yaml:"max_tier" json:"max_tier,omitempty" jsonschema:"enum=fast,enum=moderate,enum=expensive"`
	LoadThreshold float64           `yaml:"load_threshold" json:"load_threshold,omitempty"`
	MinThreshold  float64           `yaml:"min_threshold" json:"min_threshold,omitempty"`
	MaxThreshold  float64           `yaml:"max_threshold" json:"max_threshold,omitempty"`
	Step          float64           `yaml:"step" json:"step,omitempty"`
	Rules         map[string]string `yaml:"rules" json:"rules,omitempty"`
	// ConfirmedOnly is a pointer so an explicit false survives defaulting.
	ConfirmedOnly *bool `yaml:"confirmed_only" json:"confirmed_only,omitempty"`
}

type NATSProviderConfig struct {
	URL     string   `yaml:"url" json:"url,omitempty"`
	Subject string   `yaml:"subject" json:"subject,omitempty"`
	Tiers   []string `yaml:"tiers" json:"tiers,omitempty"`
}

type RedisCacheConfig struct {
	Addr string   `yaml:"addr" json:"addr,omitempty"`
	TTL  Duration `yaml:"ttl" json:"ttl,omitempty"`
}

type CascadeConfig struct {
	Workers  int                   `yaml:"workers" json:"workers,omitempty"`
	Retries  int                   `yaml:"retries" json:"retries,omitempty"`
	Policy   EscalationConfig      `yaml:"policy" json:"policy"`
	Tiers    map[string]TierConfig `yaml:"tiers" json:"tiers,omitempty"`
	Provider NATSProviderConfig    `yaml:"provider" json:"provider,omitempty"`
	Cache    RedisCacheConfig      `yaml:"cache" json:"cache,omitempty"`
}

// Default is merged under every loaded configuration.
func Default() *Config {
	cd := cascade.DefaultConfig()
	tiers := make(map[string]TierConfig, len(cd.Tiers))
	for t, tc := range cd.Tiers {
		tiers[t.String()] = TierConfig{Timeout: Duration(tc.Timeout), Rate: tc.Rate, Burst: tc.Burst}
	}
	p := cd.Policy
	confirmedOnly := p.ConfirmedOnly
	return &Config{
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 7},
		Gateway: GatewayConfig{
			Listen:       ":8080",
			HubCapacity:  4096,
			PingInterval: Duration(30 * time.Second),
			WriteTimeout: Duration(5 * time.Second),
		},
		World: WorldConfig{
			ConflictWindow: Duration(reconciler.DefaultConflictWindow),
			Shards:         64,
			TimerTick:      Duration(10 * time.Millisecond),
		},
		Cascade: CascadeConfig{
			Workers: cd.Workers,
			Retries: cd.Retries,
			Tiers:   tiers,
			Policy: EscalationConfig{
				Mode:          p.Mode.String(),
				MaxTier:       p.MaxTier.String(),
				LoadThreshold: p.LoadThreshold,
				MinThreshold:  p.MinThreshold,
				MaxThreshold:  p.MaxThreshold,
				Step:          p.Step,
				ConfirmedOnly: &confirmedOnly,
			},
			Cache: RedisCacheConfig{TTL: Duration(time.Minute)},
		},
	}
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if len(c.Components) == 0 {
		add("components: at least one component type is required")
	}
	seen := make(map[string]bool)
	for i, comp := range c.Components {
		switch {
		case comp.Type == "":
			add("components[%d]: empty type", i)
		case seen[comp.Type]:
			add("components[%d]: duplicate type %q", i, comp.Type)
		}
		seen[comp.Type] = true
		if comp.Tolerance < 0 {
			add("components[%d]: negative tolerance", i)
		}
		if _, err := store.PredictorByName(comp.Predictor); err != nil {
			add("components[%d]: %v", i, err)
		}
	}

	if _, err := reconciler.ParseRole(c.Sources.Default.Role); err != nil {
		add("sources.default.role: %v", err)
	}
	ids := make(map[string]bool)
	for i, s := range c.Sources.List {
		if s.ID == "" {
			add("sources.list[%d]: empty id", i)
		} else if ids[s.ID] {
			add("sources.list[%d]: duplicate id %q", i, s.ID)
		}
		ids[s.ID] = true
		switch s.Protocol {
		case "memory":
		case "quic", "websocket", "nats":
			if s.Endpoint == "" {
				add("sources.list[%d]: %s source needs an endpoint", i, s.Protocol)
			}
		default:
			add("sources.list[%d]: unknown protocol %q", i, s.Protocol)
		}
		if _, err := reconciler.ParseRole(s.Role); err != nil {
			add("sources.list[%d].role: %v", i, err)
		}
		if s.HandoffTo == s.ID && s.ID != "" {
			add("sources.list[%d]: handoff to itself", i)
		}
	}

	if c.Cascade.Workers <= 0 {
		add("cascade.workers must be positive")
	}
	if c.Cascade.Retries < 0 {
		add("cascade.retries must not be negative")
	}
	for name := range c.Cascade.Tiers {
		if _, err := models.ParseTier(name); err != nil {
			add("cascade.tiers: %v", err)
		}
	}
	for _, name := range c.Cascade.Provider.Tiers {
		if t, err := models.ParseTier(name); err != nil || !t.Async() {
			add("cascade.provider.tiers: %q is not an asynchronous tier", name)
		}
	}
	if p, err := c.Cascade.Policy.Build(); err != nil {
		add("cascade.policy: %v", err)
	} else if err := p.Validate(); err != nil {
		add("cascade.policy: %v", err)
	}
	if c.Gateway.HubCapacity <= 0 {
		add("gateway.hub_capacity must be positive")
	}
	return errors.Join(errs...)
}

// Registry builds the component registry.
func (c *Config) Registry() (*store.Registry, error) {
	reg := store.NewRegistry()
	for _, comp := range c.Components {
		predict, err := store.PredictorByName(comp.Predictor)
		if err != nil {
			return nil, err
		}
		err = reg.Register(store.ComponentSpec{
			Type:          models.ComponentType(comp.Type),
			SchemaVersion: comp.SchemaVersion,
			Tolerance:     comp.Tolerance,
			Predict:       predict,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (p PolicyConfig) policy(id models.SourceID) (reconciler.SourcePolicy, error) {
	role, err := reconciler.ParseRole(p.Role)
	if err != nil {
		return reconciler.SourcePolicy{}, err
	}
	return reconciler.SourcePolicy{
		ID:            id,
		Priority:      p.Priority,
		Role:          role,
		SpawnOnDemand: p.SpawnOnDemand,
		IdleTimeout:   p.IdleTimeout.Std(),
	}, nil
}

// Policies returns the fallback policy and one policy per listed source.
func (c *Config) Policies() (reconciler.SourcePolicy, []reconciler.SourcePolicy, error) {
	fallback, err := c.Sources.Default.policy("")
	if err != nil {
		return fallback, nil, err
	}
	list := make([]reconciler.SourcePolicy, 0, len(c.Sources.List))
	for _, s := range c.Sources.List {
		p, err := s.policy(models.SourceID(s.ID))
		if err != nil {
			return fallback, nil, fmt.Errorf("source %s: %w", s.ID, err)
		}
		list = append(list, p)
	}
	return fallback, list, nil
}

// Pump returns the connection settings of a source.
func (s SourceConfig) Pump() protocol.PumpConfig {
	return protocol.PumpConfig{
		Endpoint:    s.Endpoint,
		Credentials: s.Credentials,
		MinBackoff:  s.MinBackoff.Std(),
		MaxBackoff:  s.MaxBackoff.Std(),
	}
}

func (e EscalationConfig) Build() (cascade.Policy, error) {
	p := cascade.DefaultPolicy()
	var err error
	if e.Mode != "" {
		if p.Mode, err = cascade.ParseMode(e.Mode); err != nil {
			return p, err
		}
	}
	if e.MaxTier != "" {
		if p.MaxTier, err = models.ParseTier(e.MaxTier); err != nil {
			return p, err
		}
	}
	p.LoadThreshold = e.LoadThreshold
	p.MinThreshold = e.MinThreshold
	p.MaxThreshold = e.MaxThreshold
	p.Step = e.Step
	if e.ConfirmedOnly != nil {
		p.ConfirmedOnly = *e.ConfirmedOnly
	}
	if len(e.Rules) > 0 {
		p.Rules = make(map[models.ComponentType]models.Tier, len(e.Rules))
		for comp, name := range e.Rules {
			t, err := models.ParseTier(name)
			if err != nil {
				return p, fmt.Errorf("rule %s: %w", comp, err)
			}
			p.Rules[models.ComponentType(comp)] = t
		}
	}
	return p, nil
}

// CascadeConfig converts the cascade section.
func (c *Config) CascadeConfig() (cascade.Config, error) {
	out := cascade.DefaultConfig()
	out.Workers = c.Cascade.Workers
	out.Retries = c.Cascade.Retries
	for name, tc := range c.Cascade.Tiers {
		t, err := models.ParseTier(name)
		if err != nil {
			return out, err
		}
		out.Tiers[t] = cascade.TierConfig{Timeout: tc.Timeout.Std(), Rate: tc.Rate, Burst: tc.Burst}
	}
	p, err := c.Cascade.Policy.Build()
	if err != nil {
		return out, err
	}
	out.Policy = p
	return out, nil
}

func (c *Config) LogConfig() log.Config {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.LevelInfo
	}
	return log.Config{
		Level:      level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := new(Config)
	if err := copier.CopyWithOption(out, c, copier.Option{DeepCopy: true}); err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	return out
}

// Changes lists the dotted paths that differ between two configurations.
func Changes(before, after *Config) []string {
	changelog, err := diff.Diff(before, after, diff.DisableStructValues())
	if err != nil {
		return []string{"*"}
	}
	paths := make([]string, 0, len(changelog))
	for _, ch := range changelog {
		paths = append(paths, strings.Join(ch.Path, "."))
	}
	return paths
}
