// Package cmd wires the overlay server's components and runs them.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/featherfront/internal/analysis"
	"github.com/tphakala/featherfront/internal/api"
	"github.com/tphakala/featherfront/internal/capture"
	"github.com/tphakala/featherfront/internal/clips"
	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/icons"
	"github.com/tphakala/featherfront/internal/logging"
	"github.com/tphakala/featherfront/internal/snapshot"
)

// Execute parses the command line and runs the server.
func Execute() error {
	var rootDir string
	var logLevel string
	var logFile string

	rootCmd := &cobra.Command{
		Use:           "featherfront",
		Short:         "BirdNET audio overlay server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.ParseLevel(logLevel))
			return runServer(cmd.Context(), rootDir, logFile, logging.ParseLevel(logLevel))
		},
	}
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write rotated JSON logs to this file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func runServer(ctx context.Context, rootDir, logFile string, level slog.Level) error {
	log := logging.ForService("server")
	if logFile != "" {
		fileLog, closeLog, err := logging.NewFileLogger(logFile, "server", level)
		if err != nil {
			return err
		}
		defer closeLog()
		log = fileLog
	}

	paths := conf.DefaultPaths(rootDir)
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	cfg, err := conf.Load(paths)
	if err != nil {
		return err
	}

	store, err := datastore.Open(paths.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.MigrateLegacy(paths.DetectionLog, paths.EventLog, paths.IconIndex); err != nil {
		log.Warn("legacy import failed", "error", err)
	}

	eventLog := events.NewLogger(store)
	iconResolver := icons.NewResolver(store, paths.IconsDir)
	clipArchive := clips.NewManager(paths.ClipsDir, paths.ClipIndex, store.InvalidateSummaryCache)
	snapshots := snapshot.NewManager(cfg, store, eventLog, iconResolver, paths.Latest)
	snapshots.EnsureInitial()

	supervisor := capture.NewSupervisor(cfg, eventLog, snapshots, paths.SegmentDir)
	pipeline := analysis.NewPipeline(cfg, eventLog, snapshots, clipArchive, paths.SegmentDir)

	go supervisor.Run(ctx)
	go pipeline.Run(ctx)

	controller := api.New(cfg, store, eventLog, snapshots, clipArchive, iconResolver)

	address := fmt.Sprintf(":%d", cfg.HTTPPort())
	log.Info("starting http server", "address", address)
	eventLog.Emit(datastore.EventServer, "Server started", nil)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- controller.Echo.Start(address)
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Echo.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	return nil
}
