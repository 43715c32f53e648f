package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/finchlabs/finch/internal/approval"
)

// RegisterApprovalTools exposes the approval engine's edit surface.
func RegisterApprovalTools(reg *Registry, engine *approval.Engine) error {
	specs := []Spec{
		{
			Name:        "approval_allowlist_add",
			Description: "Add a glob pattern to the shell command allowlist",
			Schema: ObjectSchema(map[string]interface{}{
				"pattern":     map[string]interface{}{"type": "string", "description": "Anchored glob, e.g. \"/bin/ls *\""},
				"description": map[string]interface{}{"type": "string"},
			}, "pattern"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				entry, err := engine.AddAllowlist(strArg(args, "pattern"), strArg(args, "description"))
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(fmt.Sprintf("allowlisted %q (id %s)", entry.Pattern, entry.ID))
			},
		},
		{
			Name:        "approval_allowlist_remove",
			Description: "Remove an allowlist entry by id or exact pattern",
			Schema: ObjectSchema(map[string]interface{}{
				"idOrPattern": map[string]interface{}{"type": "string"},
			}, "idOrPattern"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				if !engine.RemoveAllowlist(strArg(args, "idOrPattern")) {
					return SilentResult("no matching allowlist entry")
				}
				return SilentResult("allowlist entry removed")
			},
		},
		{
			Name:        "approval_allowlist_list",
			Description: "List allowlist entries",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				entries := engine.Allowlist()
				if len(entries) == 0 {
					return SilentResult("allowlist is empty")
				}
				var b strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&b, "%s  %q", e.ID, e.Pattern)
					if e.Description != "" {
						fmt.Fprintf(&b, "  (%s)", e.Description)
					}
					b.WriteString("\n")
				}
				return SilentResult(b.String())
			},
		},
		{
			Name:        "approval_policy_get",
			Description: "Show the current approval policy",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				data, _ := json.MarshalIndent(engine.Policy(), "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "approval_policy_set",
			Description: "Update approval policy fields; omitted fields keep their value",
			Schema: ObjectSchema(map[string]interface{}{
				"security":        map[string]interface{}{"type": "string", "enum": []string{"deny", "allowlist", "full"}},
				"ask":             map[string]interface{}{"type": "string", "enum": []string{"off", "on-miss", "always"}},
				"askFallback":     map[string]interface{}{"type": "string", "enum": []string{"deny", "allowlist", "full"}},
				"autoAllowSkills": map[string]interface{}{"type": "boolean"},
			}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				var upd approval.PolicyUpdate
				if v, ok := args["security"].(string); ok {
					upd.Security = &v
				}
				if v, ok := args["ask"].(string); ok {
					upd.Ask = &v
				}
				if v, ok := args["askFallback"].(string); ok {
					upd.AskFallback = &v
				}
				if v, ok := args["autoAllowSkills"].(bool); ok {
					upd.AutoAllowSkills = &v
				}
				policy, err := engine.SetPolicy(upd)
				if err != nil {
					return ErrorResult(err.Error())
				}
				data, _ := json.MarshalIndent(policy, "", "  ")
				return SilentResult("approval policy updated:\n" + string(data))
			},
		},
		{
			Name:        "approval_analyze",
			Description: "Parse a shell command into segments without deciding anything",
			Schema: ObjectSchema(map[string]interface{}{
				"command": map[string]interface{}{"type": "string"},
				"cwd":     map[string]interface{}{"type": "string"},
			}, "command"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				analysis := approval.Analyze(strArg(args, "command"), strArg(args, "cwd"))
				data, _ := json.MarshalIndent(analysis, "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "approval_check",
			Description: "Evaluate a shell command against the approval policy without running it",
			Schema: ObjectSchema(map[string]interface{}{
				"command": map[string]interface{}{"type": "string"},
				"cwd":     map[string]interface{}{"type": "string"},
			}, "command"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				res := engine.Check(strArg(args, "command"), strArg(args, "cwd"))
				data, _ := json.MarshalIndent(res, "", "  ")
				return SilentResult(string(data))
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
