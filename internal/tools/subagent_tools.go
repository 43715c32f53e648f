package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finchlabs/finch/internal/subagents"
)

// RegisterSubagentTools wires the sub-agent supervisor into the registry.
func RegisterSubagentTools(reg *Registry, sup *subagents.Supervisor) error {
	specs := []Spec{
		{
			Name:        "subagent_create",
			Description: "Spawn a sub-agent child process for an isolated task",
			Schema: ObjectSchema(map[string]interface{}{
				"task":      map[string]interface{}{"type": "string"},
				"name":      map[string]interface{}{"type": "string"},
				"model":     map[string]interface{}{"type": "string"},
				"timeoutMs": map[string]interface{}{"type": "integer", "minimum": 1.0},
				"maxLines":  map[string]interface{}{"type": "integer", "minimum": 1.0},
			}, "task"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				opts := subagents.Options{
					Task:     strArg(args, "task"),
					Name:     strArg(args, "name"),
					Model:    strArg(args, "model"),
					MaxLines: intArg(args, "maxLines", 0),
				}
				if ms := intArg(args, "timeoutMs", 0); ms > 0 {
					opts.Timeout = time.Duration(ms) * time.Millisecond
				}
				a, err := sup.Create(opts)
				if err != nil {
					return ErrorResult(fmt.Sprintf("subagent create failed: %v", err))
				}
				return SilentResult(fmt.Sprintf("spawned sub-agent %s (%s)", a.Name, a.ID))
			},
		},
		{
			Name:        "subagent_wait",
			Description: "Wait for a sub-agent to finish and return its final state",
			Timeout:     SubagentTimeout,
			Schema: ObjectSchema(map[string]interface{}{
				"id":        map[string]interface{}{"type": "string"},
				"timeoutMs": map[string]interface{}{"type": "integer", "minimum": 1.0},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				timeout := time.Duration(intArg(args, "timeoutMs", 0)) * time.Millisecond
				a, err := sup.WaitFor(ctx, strArg(args, "id"), timeout)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(renderAgent(a, true))
			},
		},
		{
			Name:        "subagent_stop",
			Description: "Terminate a running sub-agent",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				id := strArg(args, "id")
				if !sup.Stop(id) {
					return ErrorResult(fmt.Sprintf("sub-agent %s is not running", id))
				}
				return SilentResult(fmt.Sprintf("stopping sub-agent %s", id))
			},
		},
		{
			Name:        "subagent_list",
			Description: "List sub-agents, optionally filtered by status",
			Schema: ObjectSchema(map[string]interface{}{
				"status": map[string]interface{}{"type": "string", "enum": []string{
					subagents.StatusPending, subagents.StatusStarting, subagents.StatusRunning,
					subagents.StatusCompleted, subagents.StatusFailed, subagents.StatusStopped,
				}},
			}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				agents := sup.List(strArg(args, "status"))
				if len(agents) == 0 {
					return SilentResult("no sub-agents")
				}
				var b strings.Builder
				for _, a := range agents {
					fmt.Fprintf(&b, "%s [%s] %s\n", a.ID, a.Status, a.Name)
				}
				return SilentResult(b.String())
			},
		},
		{
			Name:        "subagent_status",
			Description: "Report one sub-agent's current state",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				a, ok := sup.Status(strArg(args, "id"))
				if !ok {
					return ErrorResult("sub-agent not found")
				}
				return SilentResult(renderAgent(a, false))
			},
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func renderAgent(a subagents.Agent, includeResult bool) string {
	view := map[string]interface{}{
		"id":     a.ID,
		"name":   a.Name,
		"status": a.Status,
	}
	if a.Error != "" {
		view["error"] = a.Error
	}
	if includeResult && a.Result != "" {
		view["result"] = a.Result
	}
	data, _ := json.MarshalIndent(view, "", "  ")
	return string(data)
}
