package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/finchlabs/finch/internal/agent"
	"github.com/finchlabs/finch/internal/approval"
	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/providers"
	"github.com/finchlabs/finch/internal/sessions"
	"github.com/finchlabs/finch/internal/tools"
)

const subagentIdentity = "You are a focused task worker spawned by another agent. " +
	"Complete the assigned task and report the outcome as your final message. " +
	"Do not ask questions; there is nobody to answer them."

// subagentCmd is the child entrypoint the supervisor re-executes the binary
// with. It runs one turn in the current working directory and prints the
// result to stdout; the parent captures output lines and the exit code.
func subagentCmd() *cobra.Command {
	var (
		task  string
		model string
	)

	cmd := &cobra.Command{
		Use:    "subagent",
		Short:  "Run a single delegated task (internal)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			runSubagent(task, model)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task description")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	return cmd
}

func runSubagent(task, model string) {
	if task == "" {
		fmt.Fprintln(os.Stderr, "Error: --task is required")
		os.Exit(exitBadArgs)
	}
	cfg := loadConfig()
	if model == "" {
		model = cfg.Provider.Model
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}

	diagBus := diag.NewBus()
	registry := tools.NewRegistry(diagBus)

	// A deliberately narrow tool surface: files, shell, web. No spawn or
	// cron tools, so a child cannot fan out further.
	if err := tools.NewFileTools(workDir).Register(registry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	engine, err := approval.NewEngine(cfg.WorkspaceSub(".approval"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	bashTimeout := time.Duration(cfg.Tools.BashTimeoutMs) * time.Millisecond
	if err := tools.NewShellTool(workDir, bashTimeout, engine).Register(registry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := tools.NewWebFetchTool(0).Register(registry); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}

	opts := []providers.AnthropicOption{providers.WithAnthropicModel(model)}
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, providers.WithAnthropicBaseURL(cfg.Provider.BaseURL))
	}
	provider := providers.NewAnthropicProvider(cfg.Provider.APIKey, opts...)

	driver := agent.NewDriver(agent.Config{
		Provider: provider,
		Model:    model,
		Tools:    registry,
		Sessions: sessions.NewManager(""), // ephemeral: children keep no history
		Bus:      diagBus,
		Identity: subagentIdentity,
		Timezone: cfg.Timezone,
	})

	runID := uuid.NewString()[:8]
	res, err := driver.Run(context.Background(), agent.TurnRequest{
		SessionKey: sessions.BuildSubagentSessionKey("main", "task-"+runID),
		Channel:    "subagent",
		ChatID:     "task",
		UserID:     "supervisor",
		Text:       task,
		TurnID:     "subagent-" + runID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	fmt.Println(res.Content)
}
