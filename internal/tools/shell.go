package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/finchlabs/finch/internal/approval"
)

// ShellTool executes shell commands gated by the approval engine.
type ShellTool struct {
	workingDir string
	timeout    time.Duration
	engine     *approval.Engine
}

func NewShellTool(workingDir string, timeout time.Duration, engine *approval.Engine) *ShellTool {
	if timeout <= 0 {
		timeout = ShellTimeout
	}
	return &ShellTool{workingDir: workingDir, timeout: timeout, engine: engine}
}

// Register adds the bash tool to the registry. The registry-level timeout
// is left at zero; this tool manages its own per-call deadline so that a
// caller-supplied timeoutMs can exceed the default.
func (t *ShellTool) Register(reg *Registry) error {
	return reg.Register(Spec{
		Name:        "bash",
		Description: "Execute a shell command and return its output",
		Schema: ObjectSchema(map[string]interface{}{
			"command":   map[string]interface{}{"type": "string", "description": "The shell command to execute"},
			"timeoutMs": map[string]interface{}{"type": "integer", "minimum": 1.0, "description": "Optional timeout override in milliseconds"},
		}, "command"),
		Handler: t.execute,
	})
}

func (t *ShellTool) execute(ctx context.Context, args map[string]interface{}) *Result {
	command := strArg(args, "command")
	if command == "" {
		return ErrorResult("command is required")
	}

	if t.engine != nil {
		res := t.engine.Check(command, t.workingDir)
		switch res.Decision {
		case approval.Deny:
			return ErrorResult(fmt.Sprintf("command denied by approval policy: %s", res.Reason))
		case approval.Ask:
			return ErrorResult(fmt.Sprintf(
				"command requires approval (%s); ask the user to allowlist it via approval_allowlist_add before retrying", res.Reason))
		}
	}

	timeout := t.timeout
	if ms := intArg(args, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
		}
		if result == "" {
			result = err.Error()
		}
		return ErrorResult(result)
	}

	if result == "" {
		result = "(command completed with no output)"
	}
	return SilentResult(result)
}
