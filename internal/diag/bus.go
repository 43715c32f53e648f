// Package diag is the in-process diagnostic event bus: a bounded ring of
// typed structured events with live subscribers and query/stats surfaces.
// It is the only process-wide shared state in the runtime; everything else
// receives it as an explicit dependency.
package diag

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event type names. These are stable contracts used across the runtime.
const (
	EventModelUsage       = "model.usage"
	EventToolCall         = "tool.call"
	EventError            = "error"
	EventSessionState     = "session.state"
	EventMessageProcessed = "message.processed"
	EventMessageQueued    = "message.queued"
	EventSessionStuck     = "session.stuck"
	EventLaneEnqueue      = "queue.lane.enqueue"
	EventLaneDequeue      = "queue.lane.dequeue"
	EventRunAttempt       = "run.attempt"
	EventHeartbeat        = "diagnostic.heartbeat"
	EventWebhookReceived  = "webhook.received"
	EventWebhookProcessed = "webhook.processed"
	EventWebhookError     = "webhook.error"
)

// Outcome values for message.processed events.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Error categories for error events.
const (
	CategoryNetwork  = "network"
	CategoryInternal = "internal"
	CategoryPolicy   = "policy"
)

// Event is one diagnostic record. Seq is strictly increasing per bus.
type Event struct {
	Seq        uint64         `json:"seq"`
	Ts         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	SessionKey string         `json:"session_key,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Category   string         `json:"category,omitempty"`
	Message    string         `json:"message,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Input is an event before the bus stamps seq and ts.
type Input struct {
	Type       string
	SessionKey string
	Channel    string
	Category   string
	Message    string
	DurationMs int64
	IsError    bool
	Fields     map[string]any
}

// Filter selects events for Query.
type Filter struct {
	Types      []string
	SessionKey string
	Channel    string
	Since      time.Time
	Until      time.Time
	ErrorsOnly bool
	Limit      int
}

// QueryResult is a page of matching events.
type QueryResult struct {
	Events  []Event `json:"events"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

// TypeStats aggregates per event type.
type TypeStats struct {
	Type          string    `json:"type"`
	Count         int       `json:"count"`
	FirstTs       time.Time `json:"first_ts"`
	LastTs        time.Time `json:"last_ts"`
	AvgDurationMs float64   `json:"avg_duration_ms,omitempty"`
	ErrorCount    int       `json:"error_count,omitempty"`
}

const (
	defaultMaxEvents = 10_000
	defaultRetention = 24 * time.Hour
	defaultQueryCap  = 100
)

// Bus is the bounded event ring. Safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	enabled   bool
	maxEvents int
	retention time.Duration
	seq       uint64
	events    []Event
	subs      map[int]func(Event)
	nextSub   int
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

func WithMaxEvents(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxEvents = n
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		enabled:   true,
		maxEvents: defaultMaxEvents,
		retention: defaultRetention,
		subs:      make(map[int]func(Event)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEnabled toggles storage and notification. A disabled bus still stamps
// events in Emit so callers keep stable seq/ts, but nothing is stored.
func (b *Bus) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// Emit stamps and stores an event, then notifies subscribers.
// Subscriber panics are swallowed; a broken subscriber must never block
// or crash the producer.
func (b *Bus) Emit(in Input) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{
		Seq:        b.seq,
		Ts:         b.now(),
		Type:       in.Type,
		SessionKey: in.SessionKey,
		Channel:    in.Channel,
		Category:   in.Category,
		Message:    in.Message,
		DurationMs: in.DurationMs,
		IsError:    in.IsError || in.Type == EventError,
		Fields:     in.Fields,
	}
	if !b.enabled {
		b.mu.Unlock()
		return ev
	}

	b.events = append(b.events, ev)
	b.pruneLocked()

	handlers := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		b.notify(fn, ev)
	}
	return ev
}

func (b *Bus) notify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("diag: subscriber panic", "panic", r, "event_type", ev.Type)
		}
	}()
	fn(ev)
}

// pruneLocked enforces the size cap and retention window. Caller holds mu.
func (b *Bus) pruneLocked() {
	if n := len(b.events) - b.maxEvents; n > 0 {
		b.events = append(b.events[:0:0], b.events[n:]...)
	}
	cutoff := b.now().Add(-b.retention)
	first := 0
	for first < len(b.events) && b.events[first].Ts.Before(cutoff) {
		first++
	}
	if first > 0 {
		b.events = append(b.events[:0:0], b.events[first:]...)
	}
}

// Subscribe registers a live event handler and returns an unsubscribe func.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Query returns the most recent events matching the filter, in seq order.
func (b *Bus) Query(f Filter) QueryResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Event
	for _, ev := range b.events {
		if !matches(ev, f) {
			continue
		}
		matched = append(matched, ev)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryCap
	}
	total := len(matched)
	if total > limit {
		matched = matched[total-limit:]
	}
	out := make([]Event, len(matched))
	copy(out, matched)
	return QueryResult{Events: out, Total: total, HasMore: total > len(out)}
}

func matches(ev Event, f Filter) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionKey != "" && ev.SessionKey != f.SessionKey {
		return false
	}
	if f.Channel != "" && ev.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && ev.Ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Ts.After(f.Until) {
		return false
	}
	if f.ErrorsOnly && !ev.IsError {
		return false
	}
	return true
}

// Stats aggregates counts and timing per event type, sorted by type name.
func (b *Bus) Stats() []TypeStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byType := make(map[string]*TypeStats)
	durSum := make(map[string]int64)
	durCount := make(map[string]int)
	for _, ev := range b.events {
		st, ok := byType[ev.Type]
		if !ok {
			st = &TypeStats{Type: ev.Type, FirstTs: ev.Ts}
			byType[ev.Type] = st
		}
		st.Count++
		st.LastTs = ev.Ts
		if ev.IsError {
			st.ErrorCount++
		}
		if ev.DurationMs > 0 {
			durSum[ev.Type] += ev.DurationMs
			durCount[ev.Type]++
		}
	}

	out := make([]TypeStats, 0, len(byType))
	for typ, st := range byType {
		if n := durCount[typ]; n > 0 {
			st.AvgDurationMs = float64(durSum[typ]) / float64(n)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// RecentErrors returns the last n error events, newest last.
func (b *Bus) RecentErrors(n int) []Event {
	if n <= 0 {
		n = 10
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []Event
	for _, ev := range b.events {
		if ev.IsError {
			errs = append(errs, ev)
		}
	}
	if len(errs) > n {
		errs = errs[len(errs)-n:]
	}
	out := make([]Event, len(errs))
	copy(out, errs)
	return out
}

// Clear drops all stored events. Seq keeps counting from where it was.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Len returns the number of stored events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
