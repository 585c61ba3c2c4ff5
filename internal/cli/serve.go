package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldcore/internal/config"
	"github.com/zeusync/worldcore/internal/injector"
)

type serveOptions struct {
	listen string
	watch  bool
	grace  time.Duration
}

// NewServeCommand runs the world server until SIGINT or SIGTERM.
func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the world server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.Config, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "override gateway.listen")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload the configuration file when it changes")
	cmd.Flags().DurationVar(&opts.grace, "grace", 10*time.Second, "shutdown grace period")

	return cmd
}

func runServe(ctx context.Context, path string, opts *serveOptions) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Gateway.Listen = opts.listen
	}

	watch := injector.ConfigPath("")
	if opts.watch {
		watch = injector.ConfigPath(path)
	}

	srv, cleanup, err := injector.InitializeServer(cfg, watch)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer cleanup()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.grace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return err
	}
	return srv.Err()
}
