package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	// Blob drivers selectable through the archive URL scheme.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/galion-studio/snag/internal/api"
	"github.com/galion-studio/snag/internal/config"
	"github.com/galion-studio/snag/internal/healing"
	snaghttp "github.com/galion-studio/snag/internal/http"
	"github.com/galion-studio/snag/internal/metrics"
	"github.com/galion-studio/snag/internal/orchestrator"
	"github.com/galion-studio/snag/internal/platform"
	"github.com/galion-studio/snag/internal/scheduler"
	"github.com/galion-studio/snag/internal/store"
	"github.com/galion-studio/snag/internal/transfer"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitStorageError = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("snagd", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML configuration file")
	listen := fs.String("listen", "", "HTTP listen address (overrides config)")
	downloadDir := fs.String("download-dir", "", "Directory for downloaded files (overrides config)")
	concurrency := fs.Int("concurrency", 0, "Maximum concurrent downloads (overrides config)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: snagd [options]

Run the snag download daemon: accepts jobs over HTTP, resolves them
against the platform registry and downloads with resume, checksum
verification and endpoint failover.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if *configPath != "" {
		fileCfg, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitConfigError
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	cfg = cfg.Merge(config.Config{
		Listen:         *listen,
		DownloadDir:    *downloadDir,
		MaxConcurrency: *concurrency,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received interrupt, shutting down")
		cancel()
	}()

	return serve(ctx, cfg, log)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log_level: %w", err)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) int {
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	registry := platform.NewRegistry()
	if err := platform.Builtin(registry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	if cfg.PlatformsFile != "" {
		if err := registry.LoadFile(cfg.PlatformsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitConfigError
		}
	}
	log.Info().Strs("platforms", registry.IDs()).Msg("platform registry loaded")

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	var archive *store.Archive
	if cfg.ArchiveURL != "" {
		a, err := store.Open(ctx, cfg.ArchiveURL, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		defer a.Close()
		archive = a
	}

	pool := scheduler.NewPool(scheduler.Options{
		Concurrency: cfg.MaxConcurrency,
		Logger:      log,
		Metrics:     met,
	})
	defer pool.Stop()

	healer := healing.NewController(healing.Policy{
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
	}, healing.NewHealthStore(), log, met)

	orch := orchestrator.New(orchestrator.Options{
		Registry: registry,
		Engine: transfer.NewEngine(transfer.Options{
			Client:         snaghttp.NewClient(snaghttp.Options{}),
			ChunkSize:      int(cfg.ChunkSize),
			BandwidthLimit: cfg.BandwidthLimit,
		}),
		Pool:           pool,
		Healer:         healer,
		Archive:        archive,
		DownloadDir:    cfg.DownloadDir,
		MaxAttempts:    cfg.MaxAttempts,
		DirectFallback: cfg.DirectFallback,
		Logger:         log,
		Metrics:        met,
	})
	defer orch.Shutdown()

	recovered, err := orch.Recover()
	if err != nil {
		log.Error().Err(err).Msg("recovery scan failed")
	} else if len(recovered) > 0 {
		log.Info().Int("jobs", len(recovered)).Msg("resumed interrupted downloads")
	}

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewServer(api.Options{
			Orchestrator: orch,
			Healer:       healer,
			Logger:       log,
			Gatherer:     reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		return ExitSuccess
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		return ExitSuccess
	}
}
