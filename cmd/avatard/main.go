// avatard - digital avatar generation service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avabot/avatard/internal/artifact"
	"github.com/avabot/avatard/internal/bus"
	"github.com/avabot/avatard/internal/config"
	"github.com/avabot/avatard/internal/discovery"
	"github.com/avabot/avatard/internal/hub"
	"github.com/avabot/avatard/internal/job"
	"github.com/avabot/avatard/internal/logging"
	"github.com/avabot/avatard/internal/server"
	"github.com/avabot/avatard/internal/stage"
	"github.com/avabot/avatard/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "avatard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")

	if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	artifacts, err := artifact.NewDiskStore(filepath.Join(cfg.Store.DataDir, "artifacts"))
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}

	resultStore, err := store.Open(filepath.Join(cfg.Store.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer resultStore.Close()

	zl := logger.Zerolog()
	sessions := stage.NewSessions(cfg.Conversation.MaxExchanges)

	generation := stage.NewGenerationAdapter(&stage.GenerationConfig{
		BaseURL:       cfg.Generation.BaseURL,
		Model:         cfg.Generation.Model,
		ContextWindow: cfg.Conversation.ContextWindow,
		Timeout:       cfg.Generation.Timeout,
	}, artifacts, sessions, zl)

	stages := []stage.Adapter{
		wrap(stage.NewRecognitionAdapter(&stage.RecognitionConfig{
			BaseURL:  cfg.Recognition.BaseURL,
			Model:    cfg.Recognition.Model,
			Language: cfg.Recognition.Language,
			Timeout:  cfg.Recognition.Timeout,
		}, artifacts, zl), cfg.Recognition),
		wrap(generation, cfg.Generation),
		wrap(stage.NewSynthesisAdapter(&stage.SynthesisConfig{
			BaseURL:  cfg.Synthesis.BaseURL,
			Language: cfg.Synthesis.Language,
			Timeout:  cfg.Synthesis.Timeout,
		}, artifacts, zl), cfg.Synthesis),
		wrap(stage.NewAnimationAdapter(&stage.AnimationConfig{
			BaseURL: cfg.Animation.BaseURL,
			Timeout: cfg.Animation.Timeout,
		}, artifacts, zl), cfg.Animation),
	}
	if cfg.Pipeline.LipSync {
		stages = append(stages, wrap(stage.NewLipSyncAdapter(&stage.AnimationConfig{
			BaseURL: cfg.Animation.BaseURL,
			Timeout: cfg.Animation.Timeout,
		}, artifacts, zl), cfg.Animation))
	}

	events := bus.NewEventBus()
	events.SubscribeMultiple([]bus.EventType{
		bus.EventTypeJobSubmitted,
		bus.EventTypeJobCompleted,
		bus.EventTypeJobFailed,
	}, func(e bus.Event) {
		log.Info().Str("event", string(e.Type)).Fields(e.Data).Msg("Job event")
	})

	h := hub.New(zl)

	orch := job.New(resultStore, artifacts, stages, h, events, zl, job.Options{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	})
	defer orch.Close()

	disc := discovery.NewService(&discovery.Config{
		Targets: map[string]string{
			stage.Recognition: cfg.Recognition.BaseURL,
			stage.Generation:  cfg.Generation.BaseURL,
			stage.Synthesis:   cfg.Synthesis.BaseURL,
			stage.Animation:   cfg.Animation.BaseURL,
		},
		Timeout:         discovery.DefaultConfig().Timeout,
		RefreshInterval: discovery.DefaultConfig().RefreshInterval,
	}, zl)
	disc.Start()
	defer disc.Stop()

	if cfg.Retention.Enabled {
		sweeper, err := job.NewSweeper(resultStore, artifacts, cfg.Retention.Schedule, cfg.Retention.MaxAge, zl)
		if err != nil {
			return fmt.Errorf("init retention sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
		log.Info().Str("schedule", cfg.Retention.Schedule).Dur("maxAge", cfg.Retention.MaxAge).Msg("Retention sweeper enabled")
	}

	srv := server.New(&cfg.Server, orch, resultStore, artifacts, h, generation, disc, events, zl)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	return nil
}

// wrap applies the per-stage timeout and retry policy from config.
func wrap(a stage.Adapter, cfg config.StageConfig) stage.Adapter {
	a = stage.WithTimeout(a, cfg.Timeout)
	a = stage.WithRetry(a, cfg.Retries, cfg.RetryBackoff)
	return a
}
