package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finchlabs/finch/internal/cron"
)

// RegisterCronTools exposes the cron scheduler's job and reminder surface.
func RegisterCronTools(reg *Registry, sched *cron.Scheduler) error {
	specs := []Spec{
		{
			Name:        "cron_create",
			Description: "Create a scheduled job. Schedule kinds: at (one-shot epoch ms), every (interval ms), cron (crontab expression).",
			Schema: ObjectSchema(map[string]interface{}{
				"name":          map[string]interface{}{"type": "string"},
				"kind":          map[string]interface{}{"type": "string", "enum": []string{"at", "every", "cron"}},
				"atMs":          map[string]interface{}{"type": "integer"},
				"everyMs":       map[string]interface{}{"type": "integer"},
				"anchorMs":      map[string]interface{}{"type": "integer"},
				"expr":          map[string]interface{}{"type": "string"},
				"tz":            map[string]interface{}{"type": "string"},
				"message":       map[string]interface{}{"type": "string", "description": "Agent turn message the job delivers"},
				"sessionTarget": map[string]interface{}{"type": "string", "enum": []string{cron.TargetMain, cron.TargetIsolated}},
				"model":         map[string]interface{}{"type": "string", "description": "Model override for the job's turns"},
				"timeoutSec":    map[string]interface{}{"type": "integer", "minimum": 1.0, "description": "Per-turn deadline in seconds"},
			}, "kind", "message"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				sched2 := cron.Schedule{
					Kind:     strArg(args, "kind"),
					AtMs:     int64(intArg(args, "atMs", 0)),
					EveryMs:  int64(intArg(args, "everyMs", 0)),
					AnchorMs: int64(intArg(args, "anchorMs", 0)),
					Expr:     strArg(args, "expr"),
					TZ:       strArg(args, "tz"),
				}
				payload := cron.Payload{
					Kind:       "agentTurn",
					Message:    strArg(args, "message"),
					Model:      strArg(args, "model"),
					TimeoutSec: intArg(args, "timeoutSec", 0),
				}
				j, err := sched.CreateJob(strArg(args, "name"), sched2, payload, strArg(args, "sessionTarget"))
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(fmt.Sprintf("created job %s, next run %s", j.ID, formatNext(j)))
			},
		},
		{
			Name:        "cron_list",
			Description: "List scheduled jobs",
			Schema:      ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				jobs := sched.ListJobs()
				if len(jobs) == 0 {
					return SilentResult("no scheduled jobs")
				}
				var b strings.Builder
				for _, j := range jobs {
					fmt.Fprintf(&b, "%s  %-20s %s enabled=%t runs=%d next=%s\n",
						j.ID, j.Name, j.Schedule.Kind, j.Enabled, j.RunCount, formatNext(j))
				}
				return SilentResult(b.String())
			},
		},
		{
			Name:        "cron_update",
			Description: "Update a job's name, schedule, or enabled flag",
			Schema: ObjectSchema(map[string]interface{}{
				"id":      map[string]interface{}{"type": "string"},
				"name":    map[string]interface{}{"type": "string"},
				"enabled": map[string]interface{}{"type": "boolean"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				var upd cron.Update
				if v, ok := args["name"].(string); ok {
					upd.Name = &v
				}
				if v, ok := args["enabled"].(bool); ok {
					upd.Enabled = &v
				}
				j, err := sched.UpdateJob(strArg(args, "id"), upd)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(fmt.Sprintf("updated job %s", j.ID))
			},
		},
		{
			Name:        "cron_remove",
			Description: "Delete a scheduled job",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				if !sched.RemoveJob(strArg(args, "id")) {
					return ErrorResult("job not found")
				}
				return SilentResult("job removed")
			},
		},
		{
			Name:        "cron_run",
			Description: "Fire a job immediately, outside its schedule",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				if !sched.RunJob(ctx, strArg(args, "id")) {
					return ErrorResult("job not found")
				}
				return SilentResult("job fired")
			},
		},
		{
			Name:        "cron_runs",
			Description: "Show a job's recent run attempts",
			Schema: ObjectSchema(map[string]interface{}{
				"id":    map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer", "minimum": 1.0},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				runs, err := sched.GetJobRuns(strArg(args, "id"), intArg(args, "limit", 0))
				if err != nil {
					return ErrorResult(err.Error())
				}
				if len(runs) == 0 {
					return SilentResult("no runs recorded")
				}
				data, _ := json.MarshalIndent(runs, "", "  ")
				return SilentResult(string(data))
			},
		},
		{
			Name:        "reminder_set",
			Description: "Set a one-shot reminder delivered as a system event",
			Schema: ObjectSchema(map[string]interface{}{
				"text":        map[string]interface{}{"type": "string"},
				"triggerAtMs": map[string]interface{}{"type": "integer"},
				"channel":     map[string]interface{}{"type": "string"},
				"target":      map[string]interface{}{"type": "string"},
			}, "text", "triggerAtMs"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				r, err := sched.SetReminder(strArg(args, "text"), int64(intArg(args, "triggerAtMs", 0)),
					strArg(args, "channel"), strArg(args, "target"))
				if err != nil {
					return ErrorResult(err.Error())
				}
				return SilentResult(fmt.Sprintf("reminder %s set for %s", r.ID, r.TriggerAt.Format(time.RFC3339)))
			},
		},
		{
			Name:        "reminder_list",
			Description: "List reminders",
			Schema: ObjectSchema(map[string]interface{}{
				"includeFired": map[string]interface{}{"type": "boolean"},
			}),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				rs := sched.ListReminders(boolArg(args, "includeFired"))
				if len(rs) == 0 {
					return SilentResult("no reminders")
				}
				var b strings.Builder
				for _, r := range rs {
					fmt.Fprintf(&b, "%s  %s  fired=%t  %q\n", r.ID, r.TriggerAt.Format(time.RFC3339), r.Fired, r.Text)
				}
				return SilentResult(b.String())
			},
		},
		{
			Name:        "reminder_cancel",
			Description: "Cancel a pending reminder",
			Schema: ObjectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]interface{}) *Result {
				if !sched.CancelReminder(strArg(args, "id")) {
					return ErrorResult("reminder not found or already fired")
				}
				return SilentResult("reminder cancelled")
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

func formatNext(j cron.Job) string {
	if j.NextRunAt.IsZero() {
		return "never"
	}
	return j.NextRunAt.Format(time.RFC3339)
}
