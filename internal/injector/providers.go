package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/worldcore/internal/config"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
	"github.com/zeusync/worldcore/internal/server"
)

// ConfigPath is the file the configuration was loaded from. Empty disables
// hot reload.
type ConfigPath string

var ProviderSet = wire.NewSet(ProvideLogger, ProvideMetrics, ProvideServer)

func ProvideLogger(cfg *config.Config) *log.Logger {
	return log.NewWithConfig(cfg.LogConfig())
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

func ProvideServer(cfg *config.Config, path ConfigPath, logger *log.Logger, m *metrics.Metrics) (*server.Server, func(), error) {
	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(m)}
	if path != "" {
		opts = append(opts, server.WithConfigPath(string(path)))
	}
	srv, err := server.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return srv, func() {
		_ = srv.Close()
		_ = logger.Sync()
	}, nil
}
