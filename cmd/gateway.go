package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/channels"
	"github.com/finchlabs/finch/internal/channels/discord"
	"github.com/finchlabs/finch/internal/channels/telegram"
	"github.com/finchlabs/finch/internal/cron"
	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/gateway"
	"github.com/finchlabs/finch/internal/scheduler"
	"github.com/finchlabs/finch/internal/telemetry"
)

// dedupeTTL covers platform retransmits; dedupeMaxKeys bounds memory.
const (
	dedupeTTL     = time.Minute
	dedupeMaxKeys = 4096
)

const heartbeatPrompt = "Heartbeat check: review pending work and reminders. " +
	"If nothing needs attention, reply with exactly HEARTBEAT_OK."

func runGateway() {
	cfg := loadConfig()
	configureLogging(cfg)

	rt, err := buildRuntime(cfg)
	if err != nil {
		slog.Error("runtime init failed", "error", err)
		os.Exit(exitConfig)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTrace, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTrace(context.Background())
	}

	sched := scheduler.New(rt.diag)
	defer sched.Stop()

	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMaxKeys)
	router := gateway.NewRouter("main", rt.msgBus, dedupe, sched, rt.driver, rt.diag)

	channelMgr := channels.NewManager(rt.msgBus, rt.diag)

	if tgCfg := cfg.Channels.Telegram; tgCfg.Enabled && tgCfg.Token != "" {
		tg, tgErr := telegram.New(telegram.Config{
			Token:       tgCfg.Token,
			AllowFrom:   tgCfg.AllowFrom,
			GroupPolicy: tgCfg.GroupPolicy,
		}, rt.msgBus)
		if tgErr != nil {
			slog.Error("telegram channel init failed", "error", tgErr)
		} else {
			channelMgr.Register(tg)
		}
	}

	if dcCfg := cfg.Channels.Discord; dcCfg.Enabled && dcCfg.Token != "" {
		dc, dcErr := discord.New(discord.Config{
			Token:       dcCfg.Token,
			AllowFrom:   dcCfg.AllowFrom,
			GroupPolicy: dcCfg.GroupPolicy,
		}, rt.msgBus)
		if dcErr != nil {
			slog.Error("discord channel init failed", "error", dcErr)
		} else {
			channelMgr.Register(dc)
		}
	}

	// The HTTP server doubles as the "ws" channel: webhook ingress plus the
	// WebSocket event stream.
	srv := gateway.NewServer(cfg.Gateway, rt.diag, rt.msgBus)
	channelMgr.Register(srv)

	if err := rt.skills.Watch(ctx); err != nil {
		slog.Warn("skills watcher unavailable", "error", err)
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	go router.Run(ctx)

	rt.cron.Start()
	defer rt.cron.Stop()
	if cfg.Heartbeat.Enabled {
		ensureHeartbeatJob(rt.cron, cfg.Heartbeat.IntervalMinutes)
	}

	if cfg.Tools.AutoSnapshotMinutes > 0 {
		go snapshotLoop(ctx, rt.diag,
			cfg.WorkspaceSub("diagnostics"),
			time.Duration(cfg.Tools.AutoSnapshotMinutes)*time.Minute)
	}

	slog.Info("finch gateway running",
		"version", Version,
		"model", cfg.Provider.Model,
		"workspace", cfg.Workspace,
		"channels", channelMgr.Names(),
		"tools", len(rt.registry.List()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	channelMgr.StopAll(stopCtx)
	cancel()
	router.Wait()
}

// ensureHeartbeatJob creates the recurring heartbeat turn once; restarts
// reuse the persisted job.
func ensureHeartbeatJob(sched *cron.Scheduler, intervalMinutes int) {
	if intervalMinutes <= 0 {
		intervalMinutes = 30
	}
	for _, job := range sched.ListJobs() {
		if job.Name == "heartbeat" {
			return
		}
	}
	_, err := sched.CreateJob("heartbeat",
		cron.Schedule{Kind: "every", EveryMs: int64(intervalMinutes) * 60_000},
		cron.Payload{Kind: "agentTurn", Message: heartbeatPrompt},
		"")
	if err != nil {
		slog.Warn("heartbeat job creation failed", "error", err)
		return
	}
	slog.Info("heartbeat enabled", "interval_minutes", intervalMinutes)
}

func snapshotLoop(ctx context.Context, diagBus *diag.Bus, dir string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := diag.WriteSnapshot(diagBus, dir); err != nil {
				slog.Warn("diagnostic snapshot failed", "error", err)
			}
		}
	}
}
