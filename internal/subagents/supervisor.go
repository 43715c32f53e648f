// Package subagents spawns recursive agent instances as child OS processes.
// The parent shares no memory with a child; the only channel back is the
// child's captured output and exit code.
package subagents

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/finchlabs/finch/internal/diag"
)

// Status values. Transitions are monotonic: pending → starting → running →
// (completed | failed | stopped). Terminal agents are immutable.
const (
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

const (
	// DefaultTimeout caps a sub-agent run.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxLines is the output ring size kept during the run.
	DefaultMaxLines = 100
	// killGrace is how long after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
	// resultCeiling truncates the captured result fed back to the driver.
	resultCeiling = 10 * 1024
	// maxTerminal bounds how many finished sub-agents stay queryable; past
	// that the oldest-ended entries are evicted.
	maxTerminal = 50
)

// Agent is a sub-agent's externally visible state. Callers hold only the ID;
// the supervisor owns the process handle.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Task      string    `json:"task"`
	PID       int       `json:"pid,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Logs      []string  `json:"logs,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	WorkDir   string    `json:"work_dir"`
}

// Options configures a sub-agent spawn.
type Options struct {
	Name     string
	Task     string
	Model    string
	Timeout  time.Duration // 0 = DefaultTimeout
	MaxLines int           // 0 = DefaultMaxLines
	WorkDir  string
}

// SpawnFunc builds the child process command. Injectable so tests can spawn
// plain shell processes instead of a full agent binary.
type SpawnFunc func(opts Options) *exec.Cmd

// DefaultSpawn re-executes the current binary in sub-agent mode. The child
// gets a fresh environment snapshot and a distinct identity.
func DefaultSpawn(opts Options) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = "finch"
	}
	args := []string{"subagent", "--task", opts.Task}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	cmd := exec.Command(exe, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "FINCH_SUBAGENT=1")
	return cmd
}

type managed struct {
	mu       sync.Mutex
	agent    Agent
	maxLines int
	cmd      *exec.Cmd
	done     chan struct{}
}

// Supervisor tracks spawned sub-agents for one runtime.
type Supervisor struct {
	mu      sync.RWMutex
	agents  map[string]*managed
	spawn   SpawnFunc
	bus     *diag.Bus
	workDir string
}

func NewSupervisor(workDir string, bus *diag.Bus) *Supervisor {
	return &Supervisor{
		agents:  make(map[string]*managed),
		spawn:   DefaultSpawn,
		bus:     bus,
		workDir: workDir,
	}
}

// SetSpawnFunc overrides the child process builder (tests).
func (s *Supervisor) SetSpawnFunc(fn SpawnFunc) { s.spawn = fn }

// Create spawns a sub-agent and returns its initial state. The spawn itself
// runs asynchronously; poll Status or use WaitFor for completion.
func (s *Supervisor) Create(opts Options) (Agent, error) {
	if strings.TrimSpace(opts.Task) == "" {
		return Agent{}, fmt.Errorf("task is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	if opts.WorkDir == "" {
		opts.WorkDir = s.workDir
	}
	if opts.Name == "" {
		opts.Name = "subagent-" + uuid.NewString()[:8]
	}

	m := &managed{
		agent: Agent{
			ID:        uuid.NewString(),
			Name:      opts.Name,
			Status:    StatusPending,
			Task:      opts.Task,
			StartTime: time.Now(),
			WorkDir:   opts.WorkDir,
		},
		maxLines: opts.MaxLines,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.agents[m.agent.ID] = m
	s.mu.Unlock()

	go s.run(m, opts)
	return m.snapshot(), nil
}

func (s *Supervisor) run(m *managed, opts Options) {
	defer close(m.done)

	m.setStatus(StatusStarting)

	cmd := s.spawn(opts)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.finish(StatusFailed, "", fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		m.finish(StatusFailed, "", fmt.Sprintf("start: %v", err))
		return
	}

	m.mu.Lock()
	m.cmd = cmd
	m.agent.PID = cmd.Process.Pid
	m.agent.Status = StatusRunning
	m.mu.Unlock()

	slog.Info("subagent: started", "id", m.agent.ID, "pid", cmd.Process.Pid, "task", truncate(opts.Task, 80))

	// Capture output lines into the bounded ring.
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			m.appendLog(scanner.Text())
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		<-scanDone
		result := m.collectResult()
		if err != nil {
			if m.wasStopped() {
				m.finish(StatusStopped, result, "stopped")
			} else {
				m.finish(StatusFailed, result, fmt.Sprintf("exit: %v", err))
			}
		} else {
			m.finish(StatusCompleted, result, "")
		}

	case <-timer.C:
		slog.Warn("subagent: timeout, terminating", "id", m.agent.ID, "timeout", opts.Timeout)
		terminate(cmd)
		select {
		case <-waitErr:
		case <-time.After(killGrace):
			cmd.Process.Kill()
			<-waitErr
		}
		<-scanDone
		m.finish(StatusFailed, m.collectResult(), "timeout")
	}

	if s.bus != nil {
		final := m.snapshot()
		s.bus.Emit(diag.Input{
			Type:       diag.EventRunAttempt,
			Message:    "subagent " + final.Status,
			IsError:    final.Status == StatusFailed,
			DurationMs: final.EndTime.Sub(final.StartTime).Milliseconds(),
			Fields:     map[string]any{"subagent_id": final.ID, "name": final.Name},
		})
	}

	s.pruneTerminal()
}

// pruneTerminal evicts the oldest finished sub-agents once more than
// maxTerminal are retained. Live agents are never evicted.
func (s *Supervisor) pruneTerminal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ended struct {
		id string
		at time.Time
	}
	var done []ended
	for id, m := range s.agents {
		a := m.snapshot()
		if isTerminal(a.Status) {
			done = append(done, ended{id, a.EndTime})
		}
	}
	if len(done) <= maxTerminal {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, e := range done[:len(done)-maxTerminal] {
		delete(s.agents, e.id)
	}
}

// terminate sends SIGTERM to the child.
func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Stop terminates a running sub-agent. Returns false when the id is unknown
// or already terminal.
func (s *Supervisor) Stop(id string) bool {
	s.mu.RLock()
	m, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	m.mu.Lock()
	if isTerminal(m.agent.Status) || m.cmd == nil {
		m.mu.Unlock()
		return false
	}
	m.agent.Error = "stopped"
	cmd := m.cmd
	m.mu.Unlock()

	terminate(cmd)
	go func() {
		select {
		case <-m.done:
		case <-time.After(killGrace):
			cmd.Process.Kill()
		}
	}()
	return true
}

// Status returns a sub-agent's current state.
func (s *Supervisor) Status(id string) (Agent, bool) {
	s.mu.RLock()
	m, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return Agent{}, false
	}
	return m.snapshot(), true
}

// List returns all sub-agents, optionally filtered by status, sorted by
// start time.
func (s *Supervisor) List(statusFilter string) []Agent {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, m := range s.agents {
		a := m.snapshot()
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// WaitFor blocks until the sub-agent reaches a terminal state or the wait
// times out. A terminal sub-agent returns immediately.
func (s *Supervisor) WaitFor(ctx context.Context, id string, timeout time.Duration) (Agent, error) {
	s.mu.RLock()
	m, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return Agent{}, fmt.Errorf("subagent not found: %s", id)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-m.done:
		return m.snapshot(), nil
	case <-timer:
		return m.snapshot(), fmt.Errorf("wait timeout after %s", timeout)
	case <-ctx.Done():
		return m.snapshot(), ctx.Err()
	}
}

// GenerateReport summarizes all sub-agents for display.
func (s *Supervisor) GenerateReport() string {
	agents := s.List("")
	if len(agents) == 0 {
		return "No sub-agents."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d sub-agent(s):\n", len(agents))
	for _, a := range agents {
		dur := ""
		if !a.EndTime.IsZero() {
			dur = fmt.Sprintf(" (%s)", a.EndTime.Sub(a.StartTime).Round(time.Millisecond))
		}
		fmt.Fprintf(&b, "- %s [%s] %s%s: %s\n", a.Name, a.Status, a.ID[:8], dur, truncate(a.Task, 60))
		if a.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", a.Error)
		}
	}
	return b.String()
}

func (m *managed) setStatus(status string) {
	m.mu.Lock()
	m.agent.Status = status
	m.mu.Unlock()
}

func (m *managed) appendLog(line string) {
	m.mu.Lock()
	m.agent.Logs = append(m.agent.Logs, line)
	if len(m.agent.Logs) > m.maxLines {
		m.agent.Logs = m.agent.Logs[len(m.agent.Logs)-m.maxLines:]
	}
	m.mu.Unlock()
}

func (m *managed) collectResult() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := strings.Join(m.agent.Logs, "\n")
	if len(result) > resultCeiling {
		result = result[:resultCeiling] + "\n[output truncated]"
	}
	return result
}

// finish records the terminal state; logs freeze here.
func (m *managed) finish(status, result, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isTerminal(m.agent.Status) {
		return
	}
	m.agent.Status = status
	m.agent.Result = result
	if errMsg != "" && m.agent.Error == "" {
		m.agent.Error = errMsg
	}
	if status == StatusStopped {
		m.agent.Error = "stopped"
	}
	m.agent.EndTime = time.Now()
}

func (m *managed) wasStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agent.Error == "stopped"
}

func (m *managed) snapshot() Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agent
	a.Logs = append([]string(nil), m.agent.Logs...)
	return a
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusStopped
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
