package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"steeple-sync/config"
	"steeple-sync/internal/api"
	"steeple-sync/internal/auth"
	"steeple-sync/internal/devicectl"
	"steeple-sync/internal/orchestrator"
	"steeple-sync/internal/outbox"
	"steeple-sync/internal/pullsync"
	"steeple-sync/internal/realtime"
	"steeple-sync/internal/repository"
	"steeple-sync/internal/services"
	"steeple-sync/internal/store"
	"steeple-sync/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.AppMode)
	defer l.Sync()
	logger.SetGlobalLogger(l)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("migrate store: %v", err)
	}

	memberRepo := repository.NewMemberRepository(db.DB)
	eventRepo := repository.NewEventRepository(db.DB)
	announcementRepo := repository.NewAnnouncementRepository(db.DB)
	attendanceRepo := repository.NewAttendanceRepository(db.DB)
	outboxRepo := repository.NewOutboxRepository(db.DB)
	cursorRepo := repository.NewCursorRepository(db.DB)

	tokens := auth.NewTokenStore(cfg.DataDir)
	client := api.NewClient(cfg.APIBaseURL, tokens)

	queue := outbox.NewManager(db.DB, outboxRepo, attendanceRepo, client, l, outbox.Config{
		MaxRetries:  cfg.OutboxMaxRetries,
		BackoffBase: cfg.OutboxBackoffBase,
		BackoffMax:  cfg.OutboxBackoffMax,
		BatchSize:   cfg.OutboxBatchSize,
		Retention:   cfg.OutboxRetention,
	})

	checkins := services.NewAttendanceService(db.DB, attendanceRepo, outboxRepo, queue, l)

	syncers := []*pullsync.Syncer{
		pullsync.NewMemberSyncer(client, db.DB, cursorRepo, memberRepo, l, cfg.PullPageLimit),
		pullsync.NewEventSyncer(client, db.DB, cursorRepo, eventRepo, l, cfg.PullPageLimit),
		pullsync.NewAnnouncementSyncer(client, db.DB, cursorRepo, announcementRepo, l, cfg.PullPageLimit),
	}

	orch := orchestrator.New(queue, syncers, cfg.SyncInterval, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := realtime.NewRouter(
		memberRepo, eventRepo, announcementRepo,
		cfg.EventBufferSize, cfg.ThrottleInterval,
		func(string) { orch.NotifyOnline(ctx) },
		l,
	)
	router.Run()

	channel := realtime.NewChannel(realtime.Options{
		WSEndpoint:        cfg.WSEndpoint,
		SSEEndpoint:       cfg.SSEndpoint,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
	}, tokens, router, l)
	channel.OnStateChange(func(s realtime.State) {
		if s == realtime.StateConnected {
			orch.NotifyOnline(ctx)
		}
	})
	channel.Start(ctx)

	orch.Initialize(ctx)

	handler := devicectl.NewHandler(orch, queue, db, channel, router, checkins,
		memberRepo, eventRepo, announcementRepo)
	srv := devicectl.NewServer(cfg.CtlAddr, handler, l)
	go func() {
		if err := srv.Start(); err != nil {
			l.Errorf("control api: %v", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	l.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Errorf("control api shutdown: %v", err)
	}
	channel.Stop()
	router.Stop()
	orch.Stop()
	cancel()
}
