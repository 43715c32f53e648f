package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/finchlabs/finch/internal/agent"
	"github.com/finchlabs/finch/internal/approval"
	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/config"
	"github.com/finchlabs/finch/internal/cron"
	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/memory"
	"github.com/finchlabs/finch/internal/providers"
	"github.com/finchlabs/finch/internal/sessions"
	"github.com/finchlabs/finch/internal/skills"
	"github.com/finchlabs/finch/internal/subagents"
	"github.com/finchlabs/finch/internal/tools"
)

// runtime bundles the long-lived components shared by the gateway and
// console commands: provider, sessions, tool registry, and the turn driver.
type runtime struct {
	cfg       *config.Config
	diag      *diag.Bus
	msgBus    *bus.MessageBus
	provider  providers.Provider
	sessions  *sessions.Manager
	registry  *tools.Registry
	skills    *skills.Loader
	todos     *tools.TodoManager
	memory    *memory.Store
	subagents *subagents.Supervisor
	cron      *cron.Scheduler
	driver    *agent.Driver
	startedAt time.Time

	cleanups []func()
}

func (r *runtime) Close() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
}

func configureLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// buildRuntime wires the full tool surface and turn driver from config.
// The cron scheduler is constructed but not started; callers that want
// scheduled fires call rt.cron.Start().
func buildRuntime(cfg *config.Config) (*runtime, error) {
	workspace := cfg.Workspace
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
		cfg.Workspace = workspace
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		diag:      diag.NewBus(),
		msgBus:    bus.NewMessageBus(),
		startedAt: time.Now(),
	}

	opts := []providers.AnthropicOption{providers.WithAnthropicModel(cfg.Provider.Model)}
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, providers.WithAnthropicBaseURL(cfg.Provider.BaseURL))
	}
	if cfg.Provider.MaxTokens > 0 {
		opts = append(opts, providers.WithAnthropicMaxTokens(cfg.Provider.MaxTokens))
	}
	rt.provider = providers.NewAnthropicProvider(cfg.Provider.APIKey, opts...)

	rt.sessions = sessions.NewManager(cfg.Sessions.Storage)
	rt.sessions.SetHistoryCap(cfg.Sessions.HistoryCap)
	rt.sessions.SetRollupDir(cfg.WorkspaceSub("session_logs"))

	rt.registry = tools.NewRegistry(rt.diag)
	if err := tools.NewFileTools(workspace).Register(rt.registry); err != nil {
		return nil, err
	}

	approvalEngine, err := approval.NewEngine(cfg.WorkspaceSub(".approval"))
	if err != nil {
		return nil, err
	}
	bashTimeout := time.Duration(cfg.Tools.BashTimeoutMs) * time.Millisecond
	if err := tools.NewShellTool(workspace, bashTimeout, approvalEngine).Register(rt.registry); err != nil {
		return nil, err
	}
	if err := tools.RegisterApprovalTools(rt.registry, approvalEngine); err != nil {
		return nil, err
	}

	rt.todos, err = tools.NewTodoManager(cfg.WorkspaceSub(".todos"))
	if err != nil {
		return nil, err
	}
	if err := rt.todos.Register(rt.registry); err != nil {
		return nil, err
	}

	// Memory is best-effort: a broken SQLite file should not keep the
	// runtime from starting.
	if store, memErr := memory.Open(cfg.WorkspaceSub(".memory", "memory.db")); memErr != nil {
		slog.Warn("memory store unavailable", "error", memErr)
	} else {
		rt.memory = store
		rt.cleanups = append(rt.cleanups, func() { store.Close() })
		if err := tools.RegisterMemoryTools(rt.registry, store); err != nil {
			return nil, err
		}
	}

	rt.subagents = subagents.NewSupervisor(workspace, rt.diag)
	if err := tools.RegisterSubagentTools(rt.registry, rt.subagents); err != nil {
		return nil, err
	}

	rt.cron, err = cron.NewScheduler(cfg.WorkspaceSub(".cron"), rt.fireCronJob, rt.diag)
	if err != nil {
		return nil, err
	}
	if err := tools.RegisterCronTools(rt.registry, rt.cron); err != nil {
		return nil, err
	}

	if err := tools.NewWebFetchTool(0).Register(rt.registry); err != nil {
		return nil, err
	}
	if cfg.Tools.BrowserEnabled {
		if err := tools.NewBrowserTool(0).Register(rt.registry); err != nil {
			return nil, err
		}
	}
	if err := tools.RegisterDiagnosticTools(rt.registry, rt.diag, rt.startedAt); err != nil {
		return nil, err
	}

	rt.skills = skills.NewLoader(cfg.SkillDir)
	if err := rt.skills.Load(); err != nil {
		slog.Warn("skills load failed", "dir", cfg.SkillDir, "error", err)
	}
	rt.cleanups = append(rt.cleanups, func() { rt.skills.Close() })

	rt.driver = agent.NewDriver(agent.Config{
		Provider:     rt.provider,
		Model:        cfg.Provider.Model,
		Tools:        rt.registry,
		Sessions:     rt.sessions,
		Skills:       rt.skills,
		Todos:        rt.todos,
		Bus:          rt.diag,
		Identity:     cfg.Identity,
		OwnerIDs:     cfg.OwnerIDs,
		Timezone:     cfg.Timezone,
		MaxTokens:    cfg.Provider.MaxTokens,
		LogDir:       cfg.WorkspaceSub("logs"),
		SmartRouting: cfg.Tools.SmartRouting,
	})
	return rt, nil
}

// fireCronJob delivers a due job into the ingress path. Reminders with a
// delivery target go straight out; everything else becomes an inbound
// message on the internal cron channel and runs a normal turn.
func (rt *runtime) fireCronJob(ctx context.Context, job cron.Job) error {
	text := job.Payload.Message
	if text == "" {
		text = job.Payload.Text
	}

	if job.Payload.Kind == "systemEvent" && job.Channel != "" && job.Target != "" {
		rt.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Channel,
			ChatID:  job.Target,
			Content: text,
		})
		return nil
	}

	// Main-target jobs share one conversation with full history; isolated
	// jobs each run in a fresh per-job session.
	chatID := job.ID
	if job.SessionTarget == cron.TargetMain {
		chatID = "main"
	}

	var meta map[string]string
	if job.Payload.Model != "" || job.Payload.TimeoutSec > 0 {
		meta = make(map[string]string, 2)
		if job.Payload.Model != "" {
			meta["model"] = job.Payload.Model
		}
		if job.Payload.TimeoutSec > 0 {
			meta["timeout_sec"] = strconv.Itoa(job.Payload.TimeoutSec)
		}
	}

	rt.msgBus.PublishInbound(bus.InboundMessage{
		Channel:   "cron",
		ChatType:  bus.ChatDirect,
		ChatID:    chatID,
		SenderID:  "cron:" + job.ID,
		MessageID: job.ID + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  meta,
	})
	return nil
}
