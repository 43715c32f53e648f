// Package cron tracks time-triggered jobs on the local filesystem and fires
// them against the ingress path. Three schedule kinds: one-shot "at",
// fixed-interval "every", and crontab expressions (minute granularity).
package cron

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/finchlabs/finch/internal/diag"
)

const (
	// tickInterval is how often the loop checks for due jobs.
	tickInterval = time.Second

	// TargetMain routes a job's synthesized message into the session it
	// names; TargetIsolated runs it in a dedicated cron session.
	TargetMain     = "main"
	TargetIsolated = "isolated"
)

// Schedule is a tagged variant: exactly one kind is set.
type Schedule struct {
	Kind     string `json:"kind"` // "at" | "every" | "cron"
	AtMs     int64  `json:"at_ms,omitempty"`
	EveryMs  int64  `json:"every_ms,omitempty"`
	AnchorMs int64  `json:"anchor_ms,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// Payload is what a fire delivers: a plain system event line or a full
// agent turn request.
type Payload struct {
	Kind       string `json:"kind"` // "systemEvent" | "agentTurn"
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	Model      string `json:"model,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// Job is one scheduled entry. Reminders are stored as jobs with IsReminder
// set and an at+systemEvent shape.
type Job struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Schedule      Schedule  `json:"schedule"`
	Payload       Payload   `json:"payload"`
	SessionTarget string    `json:"session_target"`
	Enabled       bool      `json:"enabled"`
	RunCount      int       `json:"run_count"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time `json:"next_run_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	IsReminder    bool      `json:"is_reminder,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	Target        string    `json:"target,omitempty"`
}

// Reminder is the external view of a reminder job.
type Reminder struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	TriggerAt time.Time `json:"trigger_at"`
	Fired     bool      `json:"fired"`
	Channel   string    `json:"channel,omitempty"`
	Target    string    `json:"target,omitempty"`
}

// Run is one fire attempt, appended to the job's JSONL log.
type Run struct {
	JobID      string    `json:"job_id"`
	At         time.Time `json:"at"`
	Status     string    `json:"status"` // "ok" | "failed"
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Update is a partial job edit; nil fields are untouched.
type Update struct {
	Name     *string   `json:"name,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty"`
	Payload  *Payload  `json:"payload,omitempty"`
	Enabled  *bool     `json:"enabled,omitempty"`
}

// Stats summarizes the scheduler.
type Stats struct {
	Jobs      int       `json:"jobs"`
	Enabled   int       `json:"enabled"`
	Reminders int       `json:"reminders"`
	TotalRuns int       `json:"total_runs"`
	NextWake  time.Time `json:"next_wake,omitempty"`
}

// FireFunc delivers a due job into the ingress path. An error marks the
// run failed; the schedule advances regardless.
type FireFunc func(ctx context.Context, job Job) error

// Scheduler owns the job store under dir (.cron/).
type Scheduler struct {
	mu     sync.Mutex
	dir    string
	jobs   []*Job
	fire   FireFunc
	bus    *diag.Bus
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(dir string, fire FireFunc, bus *diag.Bus) (*Scheduler, error) {
	s := &Scheduler{
		dir:  dir,
		fire: fire,
		bus:  bus,
		now:  time.Now,
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the tick loop. Stop shuts it down.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx, s.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// CreateJob validates the schedule, computes the first NextRunAt, and
// persists the job.
func (s *Scheduler) CreateJob(name string, sched Schedule, payload Payload, sessionTarget string) (Job, error) {
	if err := validateSchedule(sched); err != nil {
		return Job{}, err
	}
	if sessionTarget == "" {
		sessionTarget = TargetMain
	}
	if sessionTarget != TargetMain && sessionTarget != TargetIsolated {
		return Job{}, fmt.Errorf("invalid session target: %s", sessionTarget)
	}
	now := s.now()
	j := &Job{
		ID:            uuid.NewString(),
		Name:          name,
		Schedule:      sched,
		Payload:       payload,
		SessionTarget: sessionTarget,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j.NextRunAt = nextRun(sched, now)
	if j.NextRunAt.IsZero() {
		// Schedule entirely in the past; nothing will ever fire.
		j.Enabled = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	if err := s.saveLocked(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return Job{}, err
	}
	return *j, nil
}

// UpdateJob applies a partial edit and recomputes NextRunAt when the
// schedule or enabled flag changed.
func (s *Scheduler) UpdateJob(id string, upd Update) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return Job{}, fmt.Errorf("cron job not found: %s", id)
	}
	if upd.Schedule != nil {
		if err := validateSchedule(*upd.Schedule); err != nil {
			return Job{}, err
		}
		j.Schedule = *upd.Schedule
	}
	if upd.Name != nil {
		j.Name = *upd.Name
	}
	if upd.Payload != nil {
		j.Payload = *upd.Payload
	}
	if upd.Enabled != nil {
		j.Enabled = *upd.Enabled
	}
	if upd.Schedule != nil || (upd.Enabled != nil && *upd.Enabled) {
		j.NextRunAt = nextRun(j.Schedule, s.now())
	}
	j.UpdatedAt = s.now()
	if err := s.saveLocked(); err != nil {
		return Job{}, err
	}
	return *j, nil
}

// RemoveJob deletes a job; returns false when the id is unknown.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.saveLocked()
			os.Remove(s.runsPath(id))
			return true
		}
	}
	return false
}

// ListJobs returns all non-reminder jobs ordered by creation time.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.IsReminder {
			out = append(out, *j)
		}
	}
	return out
}

// GetJob returns one job by id.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		return *j, true
	}
	return Job{}, false
}

// RunJob fires a job immediately, outside its schedule. The attempt is
// logged and counted but NextRunAt is left alone.
func (s *Scheduler) RunJob(ctx context.Context, id string) bool {
	s.mu.Lock()
	j := s.findLocked(id)
	if j == nil {
		s.mu.Unlock()
		return false
	}
	snap := *j
	s.mu.Unlock()

	s.fireJob(ctx, snap, false)
	return true
}

// GetJobRuns reads the most recent run records for a job, newest last.
func (s *Scheduler) GetJobRuns(id string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	f, err := os.Open(s.runsPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var runs []Run
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Run
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue // tolerate a torn tail line
		}
		runs = append(runs, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}

// SetReminder stores a one-shot reminder as an at+systemEvent job.
func (s *Scheduler) SetReminder(text string, triggerAtMs int64, channel, target string) (Reminder, error) {
	if strings.TrimSpace(text) == "" {
		return Reminder{}, fmt.Errorf("empty reminder text")
	}
	now := s.now()
	j := &Job{
		ID:            uuid.NewString(),
		Schedule:      Schedule{Kind: "at", AtMs: triggerAtMs},
		Payload:       Payload{Kind: "systemEvent", Text: text},
		SessionTarget: TargetMain,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
		IsReminder:    true,
		Channel:       channel,
		Target:        target,
	}
	j.NextRunAt = nextRun(j.Schedule, now)
	if j.NextRunAt.IsZero() {
		return Reminder{}, fmt.Errorf("reminder trigger is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	if err := s.saveLocked(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return Reminder{}, err
	}
	return reminderView(j), nil
}

// ListReminders returns reminders, optionally including already-fired ones.
func (s *Scheduler) ListReminders(includeFired bool) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reminder
	for _, j := range s.jobs {
		if !j.IsReminder {
			continue
		}
		r := reminderView(j)
		if r.Fired && !includeFired {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CancelReminder removes an unfired reminder.
func (s *Scheduler) CancelReminder(id string) bool {
	s.mu.Lock()
	j := s.findLocked(id)
	if j == nil || !j.IsReminder || reminderView(j).Fired {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	return s.RemoveJob(id)
}

// GetStats summarizes the store.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{}
	for _, j := range s.jobs {
		if j.IsReminder {
			st.Reminders++
		} else {
			st.Jobs++
		}
		if j.Enabled {
			st.Enabled++
		}
		st.TotalRuns += j.RunCount
		if j.Enabled && !j.NextRunAt.IsZero() && (st.NextWake.IsZero() || j.NextRunAt.Before(st.NextWake)) {
			st.NextWake = j.NextRunAt
		}
	}
	return st
}

// Tick fires every enabled job whose NextRunAt has passed, in ascending
// creation order. Exported so tests can drive time deterministically.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && !j.NextRunAt.IsZero() && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	copies := make([]Job, len(due))
	for i, j := range due {
		copies[i] = *j
	}
	s.mu.Unlock()

	for _, j := range copies {
		s.fireJob(ctx, j, true)
	}
}

// fireJob runs the fire callback, logs the attempt, and (for scheduled
// fires) advances the job's schedule. Failures never retry in place.
func (s *Scheduler) fireJob(ctx context.Context, j Job, scheduled bool) {
	start := s.now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fire panic: %v", r)
			}
		}()
		if s.fire == nil {
			return nil
		}
		return s.fire(ctx, j)
	}()

	run := Run{JobID: j.ID, At: start, Status: "ok", DurationMs: s.now().Sub(start).Milliseconds()}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		slog.Error("cron: job fire failed", "job", j.ID, "name", j.Name, "error", err)
	}
	s.appendRun(run)

	if s.bus != nil {
		s.bus.Emit(diag.Input{
			Type:       diag.EventRunAttempt,
			Message:    fmt.Sprintf("cron job %s: %s", j.ID, run.Status),
			IsError:    err != nil,
			DurationMs: run.DurationMs,
			Fields:     map[string]any{"job_id": j.ID, "status": run.Status, "scheduled": scheduled},
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.findLocked(j.ID)
	if live == nil {
		return
	}
	live.RunCount++ // attempts, not successes
	live.LastRunAt = start
	if scheduled {
		switch live.Schedule.Kind {
		case "at":
			live.Enabled = false
			live.NextRunAt = time.Time{}
		default:
			live.NextRunAt = nextRun(live.Schedule, s.now())
		}
	}
	live.UpdatedAt = s.now()
	s.saveLocked()
}

// nextRun computes the next fire strictly after now, or zero when the
// schedule is exhausted.
func nextRun(sched Schedule, now time.Time) time.Time {
	switch sched.Kind {
	case "at":
		t := time.UnixMilli(sched.AtMs)
		if t.After(now) {
			return t
		}
		return time.Time{}
	case "every":
		d := time.Duration(sched.EveryMs) * time.Millisecond
		anchor := now
		if sched.AnchorMs > 0 {
			anchor = time.UnixMilli(sched.AnchorMs)
		}
		if anchor.After(now) {
			return anchor
		}
		// Smallest anchor + k*d strictly after now.
		elapsed := now.Sub(anchor)
		k := elapsed/d + 1
		return anchor.Add(k * d)
	case "cron":
		ref := now
		if sched.TZ != "" {
			if loc, err := time.LoadLocation(sched.TZ); err == nil {
				ref = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(sched.Expr, ref, false)
		if err != nil {
			return time.Time{}
		}
		return next
	}
	return time.Time{}
}

func validateSchedule(sched Schedule) error {
	switch sched.Kind {
	case "at":
		if sched.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	case "every":
		if sched.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case "cron":
		if !gronx.New().IsValid(sched.Expr) {
			return fmt.Errorf("invalid cron expression: %q", sched.Expr)
		}
		if sched.TZ != "" {
			if _, err := time.LoadLocation(sched.TZ); err != nil {
				return fmt.Errorf("invalid timezone: %q", sched.TZ)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", sched.Kind)
	}
	return nil
}

func reminderView(j *Job) Reminder {
	return Reminder{
		ID:        j.ID,
		Text:      j.Payload.Text,
		TriggerAt: time.UnixMilli(j.Schedule.AtMs),
		Fired:     j.RunCount > 0,
		Channel:   j.Channel,
		Target:    j.Target,
	}
}

func (s *Scheduler) findLocked(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (s *Scheduler) jobsPath() string          { return filepath.Join(s.dir, "jobs.json") }
func (s *Scheduler) runsPath(id string) string { return filepath.Join(s.dir, "runs", id+".jsonl") }

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.jobsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.jobs); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}
	return nil
}

func (s *Scheduler) saveLocked() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "jobs-*.json")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.jobsPath()); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Scheduler) appendRun(r Run) {
	line, err := json.Marshal(r)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.runsPath(r.JobID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("cron: cannot append run log", "job", r.JobID, "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
