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

	"github.com/joho/godotenv"

	"github.com/blockedby/tgrelay/internal/config"
	"github.com/blockedby/tgrelay/internal/database"
	"github.com/blockedby/tgrelay/internal/forward"
	"github.com/blockedby/tgrelay/internal/logger"
	"github.com/blockedby/tgrelay/internal/nats"
	"github.com/blockedby/tgrelay/internal/publisher"
	"github.com/blockedby/tgrelay/internal/queue"
	"github.com/blockedby/tgrelay/internal/repository"
	"github.com/blockedby/tgrelay/internal/telegram"
	"github.com/blockedby/tgrelay/internal/web"
	"github.com/blockedby/tgrelay/internal/web/handlers"
)

// run modes
const (
	modeLive     = "live"
	modeBackfill = "backfill"
	modeBoth     = "both"
)

const statusFeedInterval = 2 * time.Second

type flags struct {
	mode       string
	force      bool
	configPath string
}

func main() {
	var f flags
	flag.StringVar(&f.mode, "mode", modeBoth, "live, backfill or both")
	flag.BoolVar(&f.force, "force", false, "backfill chats again even if their checkpoint is completed")
	flag.StringVar(&f.configPath, "config", "", "forward config file (overrides FORWARD_CONFIG_FILE)")
	flag.Parse()

	switch f.mode {
	case modeLive, modeBackfill, modeBoth:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q, want live, backfill or both\n", f.mode)
		os.Exit(2)
	}

	// 1. Load config
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if f.configPath != "" {
		cfg.ForwardConfigFile = f.configPath
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	if err := run(cfg, f); err != nil {
		logger.Get().Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags) error {
	log := logger.Get()
	log.Info().Str("mode", f.mode).Bool("force", f.force).Msg("starting telegram relay")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Forward configs
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	configs, err := config.LoadForwards(cfg.ForwardConfigFile)
	if err != nil {
		return err
	}
	set, issues, err := config.BuildForwardSet(configs)
	for _, is := range issues {
		log.Warn().Str("file", cfg.ForwardConfigFile).Msg(is.String())
	}
	if err != nil {
		return err
	}
	if len(set.Active()) == 0 {
		return fmt.Errorf("%w in %s", config.ErrNoForwards, cfg.ForwardConfigFile)
	}
	for _, c := range set.Active() {
		log.Info().Str("forward", c.String()).Msg("forward configured")
	}

	// 5. Stores
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	mappings, err := repository.NewMappingsRepository(db.GORM)
	if err != nil {
		return err
	}
	checkpoints, err := repository.OpenCheckpointStore(cfg.ProgressFile)
	if err != nil {
		return err
	}
	log.Info().Str("file", checkpoints.Path()).Int("chats", len(checkpoints.List())).Msg("checkpoints loaded")

	// 6. Telegram
	if !cfg.HasTelegramCredentials() {
		return errors.New("TG_API_ID and TG_API_HASH are required")
	}
	sessionDB, err := telegram.OpenSessionDB(cfg.SessionDB)
	if err != nil {
		return err
	}
	tgManager := telegram.NewManager(cfg, sessionDB)
	if err := tgManager.Init(ctx); err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	if tgManager.GetStatus() != telegram.StatusReady {
		return fmt.Errorf("%w: no usable session in %s", telegram.ErrNotAuthorized, cfg.SessionDB)
	}
	tgClient := telegram.NewClient(tgManager, telegram.Options{
		HistoryRPS: cfg.HistoryRPS,
		AlbumWait:  cfg.AlbumWait,
		Log:        log.Component("telegram"),
	})
	defer tgClient.Close()

	// 7. Event publishing: websocket feed, plus nats when configured
	hub := web.NewHub()
	go hub.Run()
	defer hub.Stop()

	events := publisher.Fanout{web.NewHubPublisher(hub)}
	if cfg.NatsURL != "" {
		nc, err := nats.New(ctx, cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			if err := nc.EnsureRelayStream(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to create relay stream")
			}
			events = append(events, publisher.NewNATSPublisher(nc))
		}
	}

	// 8. Forwarding core
	forwarder := forward.NewContentForwarder(tgClient, mappings, events, queue.Options{
		Workers: cfg.QueueWorkers,
		Delay:   cfg.QueueDelay,
	}, log.Component("forwarder"))
	orch := forward.NewOrchestrator(tgClient, forwarder, checkpoints, set, events, forward.Options{
		ChunkSize:     cfg.ChunkSize,
		BatchSize:     cfg.BatchSize,
		Location:      loc,
		ShutdownGrace: cfg.ShutdownGrace,
		Force:         f.force,
	}, log.Component("orchestrator"))
	backfills := forward.NewBackfillManager(orch, log.Component("backfill"))

	// 9. Admin api
	var server *web.Server
	if cfg.HTTPPort > 0 {
		server = web.NewServer(&web.Config{Port: cfg.HTTPPort}, hub)
		forwardsFile := config.NewForwardsFile(cfg.ForwardConfigFile)
		server.RegisterRelayHandler(handlers.NewRelayHandler(handlers.RelayDeps{
			Status:      orch,
			Backfill:    backfills,
			Forwards:    forwardsFile,
			Checkpoints: checkpoints,
			Mappings:    mappings,
			Telegram:    func() handlers.TelegramInfo { return telegramInfo(tgClient) },
		}))

		log.Info().
			Str("url", server.BaseURL()).
			Str("forwards_file", forwardsFile.Path()).
			Msg("starting admin api")
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("server error")
			}
		}()
		go web.StatusFeed(ctx, hub, statusFeedInterval, func() interface{} { return orch.Status() })
	}

	// 10. Run
	liveErr := make(chan error, 1)
	if f.mode == modeLive || f.mode == modeBoth {
		go func() { liveErr <- orch.Listen(ctx) }()
	}

	backfillDone := make(chan struct{})
	if f.mode == modeBackfill || f.mode == modeBoth {
		if _, err := backfills.Start(ctx); err != nil {
			return err
		}
		if f.mode == modeBackfill {
			go func() {
				_ = backfills.Wait(ctx)
				close(backfillDone)
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-liveErr:
		if err != nil {
			runErr = fmt.Errorf("live forwarding: %w", err)
		}
	case <-backfillDone:
	}

	// 11. Graceful shutdown
	log.Info().Msg("shutting down services...")
	cancel()
	backfills.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownGrace)
	defer waitCancel()
	if err := backfills.Wait(waitCtx); err != nil {
		log.Warn().Err(err).Msg("backfill did not stop in time")
	}

	queueCtx, queueCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer queueCancel()
	if dropped := forwarder.Queue().Stop(queueCtx); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("tasks left unsent")
	}
	if err := checkpoints.Flush(); err != nil {
		log.Error().Err(err).Msg("failed to save checkpoints")
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown failed")
		}
	}

	if sum, err := backfills.Last(); sum != nil {
		log.Info().Str("summary", sum.String()).Msg("backfill result")
		if err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
	}

	log.Info().Msg("shutdown complete")
	return runErr
}

func telegramInfo(c *telegram.Client) handlers.TelegramInfo {
	info := handlers.TelegramInfo{
		Status:        string(c.GetStatus()),
		PendingAlbums: c.PendingAlbums(),
	}
	if until := c.FloodWaitUntil(); !until.IsZero() {
		info.FloodWaitUntil = &until
	}
	return info
}
