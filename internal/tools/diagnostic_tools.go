package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finchlabs/finch/internal/diag"
)

// RegisterDiagnosticTools exposes the diagnostic bus for self-inspection.
func RegisterDiagnosticTools(reg *Registry, bus *diag.Bus, startedAt time.Time) error {
	specs := []Spec{
		{
			Name:        "diagnostic_emit_event",
			Description: "Emit a custom diagnostic event",
			Schema: ObjectSchema(map[string]interface{}{
				"type":    map[string]interface{}{"type": "string"},
				"message": map[string]interface{}{"type": "string"},
			}, "type"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				ev := bus.Emit(diag.Input{
					Type:    strArg(args, "type"),
					Message: strArg(args, "message"),
				})
				return SilentResult(fmt.Sprintf("emitted event seq=%d", ev.Seq))
			},
		},
		{
			Name:        "diagnostic_emit_error",
			Description: "Emit an error diagnostic event",
			Schema: ObjectSchema(map[string]interface{}{
				"message":  map[string]interface{}{"type": "string"},
				"category": map[string]interface{}{"type": "string", "enum": []string{diag.CategoryNetwork, diag.CategoryInternal, diag.CategoryPolicy}},
			}, "message"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				category := strArg(args, "category")
				if category == "" {
					category = diag.CategoryInternal
				}
				ev := bus.Emit(diag.Input{
					Type:     diag.EventError,
					Category: category,
					Message:  strArg(args, "message"),
					IsError:  true,
				})
				return SilentResult(fmt.Sprintf("emitted error seq=%d", ev.Seq))
			},
		},
		{
			Name:        "diagnostic_query",
			Description: "Query recent diagnostic events",
			Schema: ObjectSchema(map[string]interface{}{
				"types":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"sessionKey": map[string]interface{}{"type": "string"},
				"errorsOnly": map[string]interface{}{"type": "boolean"},
				"limit":      map[string]interface{}{"type": "integer", "minimum": 1.0},
			}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				filter := diag.Filter{
					SessionKey: strArg(args, "sessionKey"),
					ErrorsOnly: boolArg(args, "errorsOnly"),
					Limit:      intArg(args, "limit", 0),
				}
				if raw, ok := args["types"].([]interface{}); ok {
					for _, t := range raw {
						if s, ok := t.(string); ok {
							filter.Types = append(filter.Types, s)
						}
					}
				}
				res := bus.Query(filter)
				data, _ := json.MarshalIndent(res, "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "diagnostic_stats",
			Description: "Per-type event counts",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				data, _ := json.MarshalIndent(bus.Stats(), "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "diagnostic_status",
			Description: "Bus status: uptime, event count",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				status := map[string]interface{}{
					"uptime": time.Since(startedAt).Round(time.Second).String(),
					"events": bus.Len(),
				}
				data, _ := json.MarshalIndent(status, "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "diagnostic_report",
			Description: "Human-readable summary: stats plus recent errors",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				var b strings.Builder
				b.WriteString("Event counts:\n")
				for _, ts := range bus.Stats() {
					fmt.Fprintf(&b, "  %-24s %d\n", ts.Type, ts.Count)
				}
				errs := bus.RecentErrors(10)
				if len(errs) > 0 {
					b.WriteString("\nRecent errors:\n")
					for _, e := range errs {
						fmt.Fprintf(&b, "  [%s] %s: %s\n", e.Ts.Format(time.RFC3339), e.Type, e.Message)
					}
				}
				return SilentResult(b.String())
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
