// Package cmd wires configuration, bootstrap and runtime components
// into a runnable process, then supervises them until shutdown.
package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/botmata/botmata/core/bootstrap"
	coreconfig "github.com/botmata/botmata/core/config"
	coredatabase "github.com/botmata/botmata/core/database"
	"github.com/botmata/botmata/core/engine"
	"github.com/botmata/botmata/core/hookapi"
	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/storage"
	coretelegram "github.com/botmata/botmata/core/telegram"
	"github.com/botmata/botmata/core/telegram/sender"
)

// Options describe how to locate configuration.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string
}

// Run loads configuration, bootstraps infrastructure, starts the bot
// fleet and the hook API, and blocks until SIGINT or SIGTERM.
func Run(opts Options) error {
	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	var dbCfg coredatabase.Config
	if err := envconfig.Process("", &dbCfg); err != nil {
		return fmt.Errorf("cmd: failed to load database config: %w", err)
	}

	infra, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg,
		Database: dbCfg,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() { _ = infra.DB.Close() }()

	store := storage.New(infra.DB)

	eng := engine.New(store, engine.Options{
		RequestTimeout: time.Duration(cfg.Engine.RequestTimeoutMS) * time.Millisecond,
	})
	broadcaster := engine.NewBroadcaster(store, eng.Renderer())

	dispatcher := sender.NewDispatcher(sender.Options{
		QueueSize:  cfg.Engine.SenderQueueSize,
		Workers:    cfg.Engine.SenderWorkers,
		MaxRetries: cfg.Engine.SenderMaxRetries,
	})
	defer dispatcher.Close()

	fleet, err := coretelegram.NewFleet(coretelegram.FleetOptions{
		Config:     cfg,
		Engine:     eng,
		Bots:       store,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	if err := fleet.Start(ctx); err != nil {
		return err
	}
	defer fleet.Stop()

	hookAddr := fmt.Sprintf("%s:%d", cfg.HookAPI.Listen, cfg.HookAPI.Port)
	hookSrv := hookapi.New(hookAddr, store, broadcaster, fleet)
	hookErr := make(chan error, 1)
	go func() { hookErr <- hookSrv.Start() }()

	logger.L.With("component", "app").Info("app ready",
		slog.String("event", "ready"),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	select {
	case <-ctx.Done():
	case err := <-hookErr:
		if err != nil {
			return fmt.Errorf("cmd: hook api failed: %w", err)
		}
	}

	logger.L.With("component", "app").Info("shutting down...",
		slog.String("event", "shutdown"),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := hookSrv.Shutdown(shutdownCtx); err != nil {
		logger.HOOK.Warn("hook api shutdown error",
			slog.String("event", "hookapi.stop"),
			slog.String("err", err.Error()),
		)
	}
	return nil
}
