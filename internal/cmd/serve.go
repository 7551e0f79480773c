package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherdev/tether/internal/commands"
	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/detect"
	"github.com/tetherdev/tether/internal/event"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/relay"
	"github.com/tetherdev/tether/internal/server"
	"github.com/tetherdev/tether/internal/session"
	"github.com/tetherdev/tether/internal/session/process"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Serve starts the relay: it accepts websocket clients, spawns assistant
sessions on demand, and streams their terminal output until shut down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	workDir := cfg.Session.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}

	bus := event.NewBus()

	registry := session.NewRegistry(session.Config{
		Command:             cfg.Session.Command,
		Args:                cfg.Session.Args,
		DefaultWorkDir:      workDir,
		ScrollbackMaxBytes:  cfg.Session.ScrollbackBytes,
		ScrollbackMaxFrames: cfg.Session.ScrollbackFrames,
		DiagnosticTailBytes: cfg.Session.DiagnosticTailBytes,
		RestartBudget:       cfg.Session.RestartBudget,
		RestartBackoff:      cfg.Session.RestartBackoff(),
		RestartBackoffMax:   cfg.Session.RestartBackoffMax(),
		DefaultCols:         uint16(cfg.Session.Cols),
		DefaultRows:         uint16(cfg.Session.Rows),
		Detect: detect.Config{
			IdleWindow:     cfg.Detect.IdleWindow(),
			MinOptionLines: cfg.Detect.MinOptionLines,
		},
	}, process.NewPTY, bus, logger)
	defer registry.Close()

	router := relay.NewRouter(registry, bus, logger, cfg.Relay.QueueDepth)
	defer router.Close()

	catalog := commands.NewCatalog(cfg.Commands.ResolveCommandsDir(workDir), logger)
	if err := catalog.Load(); err != nil {
		logger.Warn("command catalog load failed", "error", err)
	}
	if cfg.Commands.Watch {
		if err := catalog.Watch(); err != nil {
			logger.Warn("command catalog watch unavailable", "error", err)
		}
	}
	defer catalog.Close()

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, registry, router, catalog, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
