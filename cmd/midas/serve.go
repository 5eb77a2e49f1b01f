package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/asr"
	"github.com/untoldecay/midas/internal/audiofetch"
	"github.com/untoldecay/midas/internal/bilibili"
	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/jobs"
	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/logging"
	"github.com/untoldecay/midas/internal/merge"
	"github.com/untoldecay/midas/internal/server"
	"github.com/untoldecay/midas/internal/storage/sqlite"
	"github.com/untoldecay/midas/internal/xiaohongshu"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings := cfg.Get()

	logFile := settings.Runtime.LogFile
	if logFile != "" {
		logFile = cfg.Resolve(logFile)
	}
	logger := logging.New(settings.Runtime.LogLevel, logFile)
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// One server per data directory; a stale lock from a crashed process
	// is released by the OS.
	lock := flock.New(filepath.Join(cfg.DataDir(), "midas.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring data directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another midas instance is using %s", cfg.DataDir())
	}
	defer func() { _ = lock.Unlock() }()

	store, err := sqlite.New(ctx, filepath.Join(cfg.DataDir(), "midas.db"),
		sqlite.WithBackups(cfg.BackupDir(), settings.Storage.BackupRetain))
	if err != nil {
		return fmt.Errorf("opening note store: %w", err)
	}
	defer func() { _ = store.Close() }()

	engine, err := asr.NewFromConfig(settings.ASR)
	if err != nil {
		return err
	}
	summarizer, err := llm.NewFromConfig(settings.LLM)
	if err != nil {
		return err
	}

	audio := audiofetch.New(cfg.ScratchDir())
	bili := bilibili.New(audio, engine, summarizer, settings.Bilibili.MaxVideoMinutes, logger)

	auth := xiaohongshu.NewAuthManager()
	if info, err := auth.RefreshFromDisk(cfg.HARPath(), cfg.CurlPath()); err != nil {
		logger.Warn("no auth capture loaded at startup", zap.Error(err))
	} else {
		logger.Info("auth capture loaded",
			zap.String("from", info.LoadedFrom),
			zap.Int("headers", info.HeadersCount))
	}

	xhsSettings := func() config.XiaohongshuSettings { return cfg.Get().Xiaohongshu }
	fetcher := xiaohongshu.NewFetcher(auth, xhsSettings)
	xhs := xiaohongshu.NewPipeline(fetcher, store, audio, engine, summarizer, xhsSettings, logger)

	cooldown := xiaohongshu.NewCooldownTracker(func() time.Duration {
		return cfg.Get().Xiaohongshu.MinLiveSyncInterval()
	})
	manager := jobs.NewManager(ctx, xhs.SyncCollection, cooldown, logger)
	merges := merge.NewEngine(store, summarizer, logger)

	if err := cfg.Watch(ctx,
		func() { logger.Info("config reloaded", zap.String("path", cfg.Path())) },
		func(err error) { logger.Warn("config reload failed", zap.Error(err)) },
	); err != nil {
		return fmt.Errorf("watching config file: %w", err)
	}

	srv := server.New(cfg, store, bili, xhs, auth, manager, cooldown, merges, logger)
	httpServer := &http.Server{
		Addr:    settings.Server.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("midas listening",
			zap.String("addr", httpServer.Addr),
			zap.String("version", Version))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.Shutdown()
	return nil
}
