package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/finchlabs/finch/internal/agent"
	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/sessions"
)

func consoleCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the agent from an interactive console",
		Long: `Interactive console session against the local runtime. Plain text is
sent to the agent; slash commands inspect runtime state (/stats, /todo,
/tasks, ...). Use /multi for multi-line input and /quit to exit.`,
		Run: func(cmd *cobra.Command, args []string) {
			runConsole(message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

// console is the interactive REPL state.
type console struct {
	rt         *runtime
	sessionKey string
	out        *os.File
}

func runConsole(message string) {
	cfg := loadConfig()

	// Keep the console quiet: replies on stdout, logs only when asked for.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	rt, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	defer rt.Close()

	c := &console{
		rt:         rt,
		sessionKey: sessions.BuildSessionKey("main", "console", sessions.PeerDirect, "local"),
		out:        os.Stdout,
	}

	if message != "" {
		reply, err := c.chat(message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
		fmt.Println(reply)
		return
	}

	fmt.Fprintf(os.Stderr, "Finch console — model %s, session %s\n", cfg.Provider.Model, c.sessionKey)
	fmt.Fprintln(os.Stderr, `Type a message, "/multi" for multi-line input, "/quit" to exit.`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := c.slash(input); quit {
				return
			}
			continue
		}
		c.send(input)
	}
}

func (c *console) chat(text string) (string, error) {
	res, err := c.rt.driver.Run(context.Background(), agent.TurnRequest{
		SessionKey: c.sessionKey,
		Channel:    "console",
		ChatID:     "local",
		UserID:     "console-user",
		Text:       text,
		TurnID:     "console-" + uuid.NewString()[:8],
	})
	if err != nil {
		return "", err
	}
	if res.Silent {
		return "(no reply)", nil
	}
	return res.Content, nil
}

func (c *console) send(text string) {
	reply, err := c.chat(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return
	}
	fmt.Fprintf(c.out, "\n%s\n\n", reply)
}

// slash handles a console command; returns true when the REPL should exit.
func (c *console) slash(input string) bool {
	cmd, _, _ := strings.Cut(input, " ")
	switch cmd {
	case "/quit", "/exit":
		fmt.Fprintln(os.Stderr, "Bye.")
		return true
	case "/multi":
		c.multiline()
	case "/stats":
		c.printStats()
	case "/todo":
		fmt.Fprintln(c.out, c.rt.todos.Render())
	case "/models":
		c.printModels()
	case "/subagents":
		c.printSubagents("running")
	case "/agents":
		fmt.Fprintln(c.out, c.rt.subagents.GenerateReport())
	case "/tasks":
		c.printTasks()
	case "/workflows":
		c.printReminders()
	case "/snapshots":
		c.takeSnapshot()
	case "/recovery":
		c.printRecentErrors()
	case "/persist":
		c.persist()
	case "/plugins":
		c.printTools()
	case "/analyze":
		c.printAnalysis()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s. Available: /stats /todo /models /subagents /agents /tasks /workflows /snapshots /recovery /persist /plugins /analyze /multi /quit\n", cmd)
	}
	return false
}

func (c *console) multiline() {
	var text string
	form := huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("Multi-line message").
			Description("Ctrl+D or submit when done").
			Value(&text),
	))
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Input cancelled: %v\n", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	c.send(text)
}

func (c *console) printStats() {
	stats := c.rt.diag.Stats()
	if len(stats) == 0 {
		fmt.Fprintln(c.out, "No events recorded yet.")
		return
	}
	rows := [][]string{{"TYPE", "COUNT", "ERRORS", "AVG MS"}}
	for _, s := range stats {
		avg := ""
		if s.AvgDurationMs > 0 {
			avg = fmt.Sprintf("%.0f", s.AvgDurationMs)
		}
		rows = append(rows, []string{s.Type, fmt.Sprint(s.Count), fmt.Sprint(s.ErrorCount), avg})
	}
	c.printTable(rows)
}

func (c *console) printModels() {
	fmt.Fprintf(c.out, "primary:  %s\n", c.rt.cfg.Provider.Model)
	fmt.Fprintf(c.out, "provider: %s (default %s)\n", c.rt.provider.Name(), c.rt.provider.DefaultModel())
	if c.rt.cfg.Tools.SmartRouting {
		fmt.Fprintln(c.out, "smart routing: enabled")
	}
}

func (c *console) printSubagents(filter string) {
	agents := c.rt.subagents.List(filter)
	if len(agents) == 0 {
		fmt.Fprintln(c.out, "No running sub-agents.")
		return
	}
	rows := [][]string{{"ID", "NAME", "STATUS", "STARTED"}}
	for _, a := range agents {
		rows = append(rows, []string{a.ID, a.Name, a.Status, a.StartTime.Format(time.TimeOnly)})
	}
	c.printTable(rows)
}

func (c *console) printTasks() {
	jobs := c.rt.cron.ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(c.out, "No scheduled tasks.")
		return
	}
	rows := [][]string{{"ID", "NAME", "SCHEDULE", "NEXT RUN", "RUNS", "ENABLED"}}
	for _, j := range jobs {
		next := ""
		if !j.NextRunAt.IsZero() {
			next = j.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			j.ID, j.Name, j.Schedule.Kind, next,
			fmt.Sprint(j.RunCount), fmt.Sprint(j.Enabled),
		})
	}
	c.printTable(rows)
}

func (c *console) printReminders() {
	reminders := c.rt.cron.ListReminders(false)
	if len(reminders) == 0 {
		fmt.Fprintln(c.out, "No pending reminders.")
		return
	}
	rows := [][]string{{"ID", "TRIGGERS", "TEXT"}}
	for _, r := range reminders {
		rows = append(rows, []string{r.ID, r.TriggerAt.Local().Format("2006-01-02 15:04"), r.Text})
	}
	c.printTable(rows)
}

func (c *console) takeSnapshot() {
	dir := c.rt.cfg.WorkspaceSub("diagnostics")
	path, err := diag.WriteSnapshot(c.rt.diag, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Snapshot written: %s\n", path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	fmt.Fprintf(c.out, "%d snapshot(s) on disk.\n", len(entries))
}

func (c *console) printRecentErrors() {
	errs := c.rt.diag.RecentErrors(10)
	if len(errs) == 0 {
		fmt.Fprintln(c.out, "No recent errors.")
		return
	}
	for _, ev := range errs {
		fmt.Fprintf(c.out, "%s  %-20s %s\n", ev.Ts.Format(time.TimeOnly), ev.Type, ev.Message)
	}
}

func (c *console) persist() {
	if err := c.rt.sessions.Save(c.sessionKey); err != nil {
		fmt.Fprintf(os.Stderr, "Persist failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Session %s saved.\n", c.sessionKey)
}

func (c *console) printTools() {
	specs := c.rt.registry.List()
	rows := [][]string{{"TOOL", "DESCRIPTION"}}
	for _, s := range specs {
		rows = append(rows, []string{s.Name, s.Description})
	}
	c.printTable(rows)
}

func (c *console) printAnalysis() {
	s := c.rt.sessions.GetOrCreate(c.sessionKey)
	fmt.Fprintf(c.out, "session:       %s\n", s.Key)
	fmt.Fprintf(c.out, "messages:      %d\n", len(s.Messages))
	fmt.Fprintf(c.out, "input tokens:  %d\n", s.InputTokens)
	fmt.Fprintf(c.out, "output tokens: %d\n", s.OutputTokens)
	fmt.Fprintf(c.out, "compactions:   %d\n", s.CompactionCount)
	if c.rt.memory != nil {
		if stats, err := c.rt.memory.GetStats(context.Background()); err == nil {
			fmt.Fprintf(c.out, "memory:        %d entries from %d sources\n", stats.Entries, stats.Sources)
		}
	}
}

// printTable renders rows with runewidth-aware column padding so CJK text
// lines up.
func (c *console) printTable(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
			} else {
				b.WriteString(runewidth.FillRight(cell, widths[i]+2))
			}
		}
		fmt.Fprintln(c.out, b.String())
	}
}
