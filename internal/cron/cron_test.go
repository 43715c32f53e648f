package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/finchlabs/finch/internal/diag"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []Job
	err   error
}

func (f *fireRecorder) fire(ctx context.Context, j Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, j)
	return f.err
}

func (f *fireRecorder) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.fired))
	for i, j := range f.fired {
		out[i] = j.Name
	}
	return out
}

func newTestScheduler(t *testing.T, rec *fireRecorder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(t.TempDir(), rec.fire, diag.NewBus())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAtFiresOnceThenDisables(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	trigger := time.Now().Add(time.Hour)
	j, err := s.CreateJob("once", Schedule{Kind: "at", AtMs: trigger.UnixMilli()},
		Payload{Kind: "systemEvent", Text: "ping"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !j.Enabled || j.NextRunAt.IsZero() {
		t.Fatalf("job = %+v", j)
	}

	s.Tick(context.Background(), trigger.Add(time.Second))
	if len(rec.names()) != 1 {
		t.Fatalf("fired %d times, want 1", len(rec.fired))
	}

	got, _ := s.GetJob(j.ID)
	if got.Enabled {
		t.Error("at job still enabled after fire")
	}
	if !got.NextRunAt.IsZero() {
		t.Errorf("NextRunAt = %v, want zero", got.NextRunAt)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d", got.RunCount)
	}

	// A second tick must not re-fire.
	s.Tick(context.Background(), trigger.Add(time.Minute))
	if len(rec.names()) != 1 {
		t.Error("disabled job fired again")
	}
}

func TestAtInPastDisabledAtCreate(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})
	j, err := s.CreateJob("stale", Schedule{Kind: "at", AtMs: time.Now().Add(-time.Hour).UnixMilli()},
		Payload{Kind: "systemEvent", Text: "x"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if j.Enabled {
		t.Error("past at job should be created disabled")
	}
}

func TestEveryAnchorRounding(t *testing.T) {
	anchor := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: "every", EveryMs: (10 * time.Minute).Milliseconds(), AnchorMs: anchor.UnixMilli()}

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{anchor.Add(-time.Minute), anchor},                       // before anchor: fire at anchor
		{anchor, anchor.Add(10 * time.Minute)},                   // exactly at anchor: strictly after
		{anchor.Add(3 * time.Minute), anchor.Add(10 * time.Minute)},
		{anchor.Add(25 * time.Minute), anchor.Add(30 * time.Minute)},
	}
	for _, tt := range tests {
		if got := nextRun(sched, tt.now); !got.Equal(tt.want) {
			t.Errorf("nextRun(now=%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestEveryReschedulesAfterFire(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	j, err := s.CreateJob("tick", Schedule{Kind: "every", EveryMs: 60_000},
		Payload{Kind: "agentTurn", Message: "check feeds"}, TargetIsolated)
	if err != nil {
		t.Fatal(err)
	}

	fireAt := j.NextRunAt.Add(time.Second)
	s.Tick(context.Background(), fireAt)
	if len(rec.names()) != 1 {
		t.Fatalf("fired %d times", len(rec.fired))
	}
	got, _ := s.GetJob(j.ID)
	if !got.NextRunAt.After(fireAt) {
		t.Errorf("NextRunAt = %v, want after %v", got.NextRunAt, fireAt)
	}
	if !got.Enabled {
		t.Error("every job disabled after fire")
	}
}

func TestCronValidation(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})

	if _, err := s.CreateJob("bad", Schedule{Kind: "cron", Expr: "not a cron"}, Payload{Kind: "systemEvent", Text: "x"}, ""); err == nil {
		t.Error("invalid cron expr accepted")
	}
	if _, err := s.CreateJob("badtz", Schedule{Kind: "cron", Expr: "0 9 * * *", TZ: "Mars/Olympus"}, Payload{Kind: "systemEvent", Text: "x"}, ""); err == nil {
		t.Error("invalid timezone accepted")
	}
	j, err := s.CreateJob("daily", Schedule{Kind: "cron", Expr: "0 9 * * *", TZ: "Asia/Ho_Chi_Minh"}, Payload{Kind: "systemEvent", Text: "morning"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if j.NextRunAt.IsZero() || !j.NextRunAt.After(time.Now()) {
		t.Errorf("NextRunAt = %v", j.NextRunAt)
	}
}

func TestUnknownScheduleKind(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})
	if _, err := s.CreateJob("x", Schedule{Kind: "sometimes"}, Payload{}, ""); err == nil {
		t.Error("unknown schedule kind accepted")
	}
	if _, err := s.CreateJob("x", Schedule{Kind: "at", AtMs: time.Now().Add(time.Hour).UnixMilli()}, Payload{}, "elsewhere"); err == nil {
		t.Error("invalid session target accepted")
	}
}

func TestSimultaneousFiresOrderByCreation(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	at := time.Now().Add(time.Hour)
	// Created in order; all due at the same instant.
	for _, name := range []string{"first", "second", "third"} {
		if _, err := s.CreateJob(name, Schedule{Kind: "at", AtMs: at.UnixMilli()}, Payload{Kind: "systemEvent", Text: name}, ""); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	}

	s.Tick(context.Background(), at.Add(time.Second))
	got := rec.names()
	want := []string{"first", "second", "third"}
	if len(got) != 3 {
		t.Fatalf("fired = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fire order = %v, want %v", got, want)
		}
	}
}

func TestFailedFireStillAdvances(t *testing.T) {
	rec := &fireRecorder{err: errors.New("ingress down")}
	s := newTestScheduler(t, rec)

	j, _ := s.CreateJob("flaky", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "systemEvent", Text: "x"}, "")
	fireAt := j.NextRunAt.Add(time.Second)
	s.Tick(context.Background(), fireAt)

	got, _ := s.GetJob(j.ID)
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1 (attempts counted)", got.RunCount)
	}
	if !got.NextRunAt.After(fireAt) {
		t.Error("failed fire did not advance schedule")
	}

	runs, err := s.GetJobRuns(j.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "failed" || runs[0].Error == "" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunJobAdHoc(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	j, _ := s.CreateJob("adhoc", Schedule{Kind: "every", EveryMs: 3_600_000}, Payload{Kind: "systemEvent", Text: "x"}, "")
	before, _ := s.GetJob(j.ID)

	if !s.RunJob(context.Background(), j.ID) {
		t.Fatal("RunJob returned false")
	}
	if s.RunJob(context.Background(), "missing") {
		t.Error("RunJob(missing) returned true")
	}

	after, _ := s.GetJob(j.ID)
	if after.RunCount != 1 {
		t.Errorf("RunCount = %d", after.RunCount)
	}
	// Ad-hoc fire leaves the schedule alone.
	if !after.NextRunAt.Equal(before.NextRunAt) {
		t.Errorf("NextRunAt moved: %v -> %v", before.NextRunAt, after.NextRunAt)
	}
}

func TestGetJobRunsLimit(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	j, _ := s.CreateJob("busy", Schedule{Kind: "every", EveryMs: 3_600_000}, Payload{Kind: "systemEvent", Text: "x"}, "")
	for i := 0; i < 5; i++ {
		s.RunJob(context.Background(), j.ID)
	}
	runs, err := s.GetJobRuns(j.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Errorf("runs = %d, want 3", len(runs))
	}
	if none, _ := s.GetJobRuns("nope", 3); none != nil {
		t.Error("runs for unknown job should be nil")
	}
}

func TestReminderLifecycle(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(t, rec)

	trigger := time.Now().Add(time.Hour)
	r, err := s.SetReminder("standup", trigger.UnixMilli(), "telegram", "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Fired {
		t.Error("new reminder already fired")
	}
	if _, err := s.SetReminder("late", time.Now().Add(-time.Minute).UnixMilli(), "", ""); err == nil {
		t.Error("past reminder accepted")
	}
	if _, err := s.SetReminder("  ", trigger.UnixMilli(), "", ""); err == nil {
		t.Error("blank reminder accepted")
	}

	// Reminders are hidden from the job list.
	if jobs := s.ListJobs(); len(jobs) != 0 {
		t.Errorf("ListJobs leaked reminders: %+v", jobs)
	}
	if got := s.ListReminders(false); len(got) != 1 || got[0].Text != "standup" || got[0].Channel != "telegram" {
		t.Errorf("reminders = %+v", got)
	}

	s.Tick(context.Background(), trigger.Add(time.Second))
	if got := s.ListReminders(false); len(got) != 0 {
		t.Errorf("fired reminder still listed: %+v", got)
	}
	if got := s.ListReminders(true); len(got) != 1 || !got[0].Fired {
		t.Errorf("includeFired = %+v", got)
	}

	// Fired reminders cannot be cancelled; pending ones can.
	if s.CancelReminder(r.ID) {
		t.Error("cancelled a fired reminder")
	}
	r2, _ := s.SetReminder("later", trigger.Add(time.Hour).UnixMilli(), "", "")
	if !s.CancelReminder(r2.ID) {
		t.Error("could not cancel pending reminder")
	}
}

func TestUpdateJob(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})

	j, _ := s.CreateJob("old", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "systemEvent", Text: "x"}, "")

	name := "renamed"
	enabled := false
	got, err := s.UpdateJob(j.ID, Update{Name: &name, Enabled: &enabled})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" || got.Enabled {
		t.Errorf("updated = %+v", got)
	}

	if _, err := s.UpdateJob("missing", Update{Name: &name}); err == nil {
		t.Error("update of unknown job succeeded")
	}
	bad := Schedule{Kind: "cron", Expr: "nope"}
	if _, err := s.UpdateJob(j.ID, Update{Schedule: &bad}); err == nil {
		t.Error("invalid schedule update accepted")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	rec := &fireRecorder{}

	s, err := NewScheduler(dir, rec.fire, diag.NewBus())
	if err != nil {
		t.Fatal(err)
	}
	j, _ := s.CreateJob("durable", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "agentTurn", Message: "m"}, "")

	s2, err := NewScheduler(dir, rec.fire, diag.NewBus())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.GetJob(j.ID)
	if !ok {
		t.Fatal("job lost across reload")
	}
	if got.Name != "durable" || got.Payload.Message != "m" {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})
	j, _ := s.CreateJob("gone", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "systemEvent", Text: "x"}, "")
	if !s.RemoveJob(j.ID) {
		t.Fatal("RemoveJob returned false")
	}
	if s.RemoveJob(j.ID) {
		t.Error("double remove returned true")
	}
	if _, ok := s.GetJob(j.ID); ok {
		t.Error("removed job still present")
	}
}

func TestGetStats(t *testing.T) {
	s := newTestScheduler(t, &fireRecorder{})
	s.CreateJob("a", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "systemEvent", Text: "x"}, "")
	s.SetReminder("r", time.Now().Add(time.Hour).UnixMilli(), "", "")

	st := s.GetStats()
	if st.Jobs != 1 || st.Reminders != 1 || st.Enabled != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.NextWake.IsZero() {
		t.Error("NextWake unset with enabled jobs")
	}
}
