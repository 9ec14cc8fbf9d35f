package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/metis/internal/app"
	"github.com/conorfennell/metis/internal/config"
	"github.com/conorfennell/metis/internal/forge"
	"github.com/conorfennell/metis/internal/review"
	"github.com/conorfennell/metis/internal/storage"
	"github.com/conorfennell/metis/internal/sync"
	"github.com/conorfennell/metis/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("metis exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("metis", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	addSource := flags.String("add-source", "", "Add a local directory or git URL as a gem source and exit")
	syncOnly := flags.Bool("sync", false, "Sync all sources once and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	slog.Info("Database opened", "path", cfg.Database.Path)

	scheduler, err := review.NewScheduler(cfg.Review.Intervals, review.Overflow(cfg.Review.Overflow))
	if err != nil {
		return err
	}

	syncer := &sync.Syncer{
		DB:        db,
		Scheduler: scheduler,
		ReposDir:  cfg.Sync.ReposDir,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *addSource != "" {
		src, err := syncer.AddSource(ctx, *addSource)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s source %d: %s\n", src.Type, src.ID, src.Path)
		return nil
	}

	if *syncOnly {
		res, err := syncer.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d sources: %d imported, %d removed, %d errors\n", res.Sources, res.Imported, res.Removed, res.Errors)
		return nil
	}

	if cfg.Generator.APIKey == "" {
		slog.Warn("No generator API key configured; forging and synthesis will fail", "env", config.EnvPrefix+"GENERATOR__API_KEY")
	}
	generator := forge.NewGeminiClient(cfg.Generator.APIKey, cfg.Generator.Endpoint, cfg.Generator.Model, cfg.Generator.Timeout)
	svc := app.NewService(db, scheduler, generator)
	if _, err := svc.ReleaseStaleForges(ctx); err != nil {
		return fmt.Errorf("failed to release stale forges: %w", err)
	}

	srv, err := web.NewServer(svc, syncer, db)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
