package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/kitdev/internal/config"
	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/orchestrator"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"d", "serve"},
	Short:   "Start the development server",
	Long: `Start the development server.

The routes directory is watched and the route manifest rebuilt whenever a
file appears or disappears. The module bundler runs on the next free port
above --port; its modules, assets and hot-reload socket are served through
the dev server.

Examples:
  kitdev dev                                   # Serve on localhost:3000
  kitdev dev --port 5000 --host 0.0.0.0        # Listen on every interface
  kitdev dev --bundler-url http://localhost:8080  # Use a bundler you already run`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	devCmd.Flags().IntP("port", "p", 3000, "Port to serve on")
	devCmd.Flags().String("host", "localhost", "Host to bind to")
	devCmd.Flags().String("bundler-url", "", "Attach to a running bundler instead of starting one")

	viper.BindPFlag("server.port", devCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", devCmd.Flags().Lookup("host"))
	viper.BindPFlag("bundler.external_url", devCmd.Flags().Lookup("bundler-url"))
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return kiterrors.NewEnhancedError(
			"Failed to load configuration",
			err,
			kiterrors.ConfigurationError(err.Error(), configPath()),
		)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	o, err := orchestrator.New(orchestrator.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	o.OnReady(func(e orchestrator.ReadyEvent) {
		fmt.Fprintf(out, "kitdev dev server running at http://%s:%d\n", cfg.Server.Host, e.Port)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		return startError(cfg, err)
	}

	return serveUntilDone(ctx, o)
}

// serveUntilDone blocks until the context is cancelled or serving fails,
// and closes the orchestrator either way.
func serveUntilDone(ctx context.Context, o *orchestrator.Orchestrator) error {
	done := make(chan error, 1)
	go func() { done <- o.Wait() }()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "Shutting down dev server...")
		err := o.Close()
		<-done
		return err
	case err := <-done:
		if closeErr := o.Close(); err == nil {
			err = closeErr
		}
		return err
	}
}

func startError(cfg *config.Config, err error) error {
	switch {
	case kiterrors.HasErrorCode(err, kiterrors.ErrCodeListen):
		return kiterrors.NewEnhancedError(
			fmt.Sprintf("Failed to start server on port %d", cfg.Server.Port),
			err,
			kiterrors.ServerStartError(err, cfg.Server.Port),
		)
	case kiterrors.HasErrorCode(err, kiterrors.ErrCodeBundlerStart):
		return kiterrors.NewEnhancedError(
			"Failed to start the bundler",
			err,
			kiterrors.BundlerStartError(err, cfg.Bundler.Command),
		)
	default:
		return fmt.Errorf("failed to start dev server: %w", err)
	}
}
