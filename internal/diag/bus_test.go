package diag

import (
	"sync"
	"testing"
	"time"
)

func TestEmitSeqMonotonic(t *testing.T) {
	b := NewBus()
	var last uint64
	for i := 0; i < 100; i++ {
		ev := b.Emit(Input{Type: EventToolCall})
		if ev.Seq <= last {
			t.Fatalf("seq not increasing: got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestMaxEventsBound(t *testing.T) {
	b := NewBus(WithMaxEvents(50))
	for i := 0; i < 200; i++ {
		b.Emit(Input{Type: EventModelUsage})
	}
	if got := b.Len(); got != 50 {
		t.Fatalf("Len() = %d, want 50", got)
	}
	res := b.Query(Filter{Limit: 50})
	if res.Events[len(res.Events)-1].Seq != 200 {
		t.Errorf("newest seq = %d, want 200", res.Events[len(res.Events)-1].Seq)
	}
	if res.Events[0].Seq != 151 {
		t.Errorf("oldest retained seq = %d, want 151", res.Events[0].Seq)
	}
}

func TestRetentionPruning(t *testing.T) {
	now := time.Now()
	clock := now
	b := NewBus(WithRetention(time.Hour), WithClock(func() time.Time { return clock }))

	b.Emit(Input{Type: EventToolCall})
	clock = now.Add(2 * time.Hour)
	b.Emit(Input{Type: EventToolCall})

	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d after retention pruning, want 1", got)
	}
}

func TestDisabledBusStampsButDoesNotStore(t *testing.T) {
	b := NewBus()
	b.SetEnabled(false)

	notified := false
	defer b.Subscribe(func(Event) { notified = true })()

	ev := b.Emit(Input{Type: EventError, Message: "boom"})
	if ev.Seq == 0 || ev.Ts.IsZero() {
		t.Error("disabled bus should still stamp seq and ts")
	}
	if b.Len() != 0 {
		t.Errorf("disabled bus stored %d events, want 0", b.Len())
	}
	if notified {
		t.Error("disabled bus should not notify subscribers")
	}
}

func TestSubscriberPanicSwallowed(t *testing.T) {
	b := NewBus()
	defer b.Subscribe(func(Event) { panic("bad subscriber") })()

	var got Event
	defer b.Subscribe(func(ev Event) { got = ev })()

	b.Emit(Input{Type: EventToolCall, Message: "ok"})
	if got.Message != "ok" {
		t.Error("healthy subscriber should still be notified after a sibling panics")
	}
}

func TestQueryFilters(t *testing.T) {
	b := NewBus()
	b.Emit(Input{Type: EventToolCall, SessionKey: "a", Channel: "telegram"})
	b.Emit(Input{Type: EventError, SessionKey: "a", Channel: "telegram", Message: "x"})
	b.Emit(Input{Type: EventToolCall, SessionKey: "b", Channel: "discord"})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by type", Filter{Types: []string{EventToolCall}}, 2},
		{"by session", Filter{SessionKey: "a"}, 2},
		{"by channel", Filter{Channel: "discord"}, 1},
		{"errors only", Filter{ErrorsOnly: true}, 1},
		{"type and session", Filter{Types: []string{EventToolCall}, SessionKey: "b"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.Query(tt.filter)
			if res.Total != tt.want {
				t.Errorf("Total = %d, want %d", res.Total, tt.want)
			}
		})
	}
}

func TestQueryLimitHasMore(t *testing.T) {
	b := NewBus()
	for i := 0; i < 10; i++ {
		b.Emit(Input{Type: EventToolCall})
	}
	res := b.Query(Filter{Limit: 3})
	if len(res.Events) != 3 || res.Total != 10 || !res.HasMore {
		t.Fatalf("got len=%d total=%d hasMore=%v, want 3/10/true", len(res.Events), res.Total, res.HasMore)
	}
	// Most recent window
	if res.Events[2].Seq != 10 {
		t.Errorf("last event seq = %d, want 10", res.Events[2].Seq)
	}
}

func TestStats(t *testing.T) {
	b := NewBus()
	b.Emit(Input{Type: EventToolCall, DurationMs: 100})
	b.Emit(Input{Type: EventToolCall, DurationMs: 300, IsError: true})
	b.Emit(Input{Type: EventModelUsage})

	stats := b.Stats()
	if len(stats) != 2 {
		t.Fatalf("got %d stat rows, want 2", len(stats))
	}
	// Sorted by type: model.usage, tool.call
	tc := stats[1]
	if tc.Type != EventToolCall || tc.Count != 2 || tc.ErrorCount != 1 {
		t.Errorf("tool.call stats = %+v", tc)
	}
	if tc.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200", tc.AvgDurationMs)
	}
}

func TestRecentErrors(t *testing.T) {
	b := NewBus()
	for i := 0; i < 5; i++ {
		b.Emit(Input{Type: EventError})
		b.Emit(Input{Type: EventToolCall})
	}
	errs := b.RecentErrors(3)
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3", len(errs))
	}
	for _, ev := range errs {
		if !ev.IsError {
			t.Errorf("non-error event in RecentErrors: %+v", ev)
		}
	}
}

func TestClearKeepsSeq(t *testing.T) {
	b := NewBus()
	b.Emit(Input{Type: EventToolCall})
	b.Clear()
	if b.Len() != 0 {
		t.Fatal("Clear did not drop events")
	}
	ev := b.Emit(Input{Type: EventToolCall})
	if ev.Seq != 2 {
		t.Errorf("seq after clear = %d, want 2", ev.Seq)
	}
}

func TestConcurrentEmit(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(Input{Type: EventToolCall})
			}
		}()
	}
	wg.Wait()
	if got := b.Len(); got != 1000 {
		t.Errorf("Len() = %d, want 1000", got)
	}
}
