// Command infinoted runs the collaborative editing server: a merged
// configuration (defaults, config file, environment, flags) drives a
// pkg/server.Server's TLS+WebSocket listener, autosave sweep, and
// sync-directory watcher until an interrupt or SIGTERM asks it to stop.
// Grounded on kolabpad's cmd/server/main.go (env-driven Config struct,
// signal-triggered graceful shutdown), with the flag surface replaced by
// the cobra command internal/config.BindFlags wires up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/infinoted/infinote/internal/config"
	"github.com/infinoted/infinote/pkg/logger"
	"github.com/infinoted/infinote/pkg/server"
)

func main() {
	var configFile string
	cfg, err := loadMergedConfig(&configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "infinoted",
		Short: "Collaborative document editing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config-file", configFile, "path to an INI-like configuration file")
	config.BindFlags(root, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadMergedConfig composes defaults -> config file -> environment ahead
// of cobra's own flag parsing, by pulling --config-file out of os.Args
// directly: the file and environment layers must already be merged before
// BindFlags registers flags defaulted to the result, so that flags win
// last as spec.md §6 requires.
func loadMergedConfig(configFile *string) (config.Config, error) {
	for i, a := range os.Args[1:] {
		if a == "--config-file" && i+2 <= len(os.Args)-1 {
			*configFile = os.Args[i+2]
		}
	}
	return config.Load(*configFile)
}

func run(ctx context.Context, cfg config.Config) error {
	logger.InitLevel(cfg.LogLevel)
	logger.Info("starting infinoted on port %d (security-policy=%s, root=%s)", cfg.Port, cfg.SecurityPolicy, cfg.RootDirectory)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	go srv.StartAutosave(ctx)
	if err := srv.StartSyncDirectoryWatcher(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
