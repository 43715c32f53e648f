package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), ".memory", "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Append(ctx, "the deploy key lives in vault under ops/deploy", "chat")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != e.Content || got.Source != "chat" {
		t.Errorf("got %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("Get(missing) should fail")
	}
}

func TestAppendRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(context.Background(), "   \n ", "x"); err == nil {
		t.Fatal("empty content accepted")
	}
}

func TestSearchRanksRelevant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, "postgres connection pool is capped at 20", "notes")
	s.Append(ctx, "the user prefers short answers", "chat")
	s.Append(ctx, "postgres backups run nightly at 03:00", "notes")

	hits, err := s.Search(ctx, "postgres", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Source != "notes" {
			t.Errorf("unexpected hit: %+v", h)
		}
	}
}

func TestSearchSanitizesOperators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, "weird token AND NOT near", "x")

	// Raw FTS operators in user text must not be treated as syntax.
	if _, err := s.Search(ctx, `AND NOT "unterminated`, 5); err != nil {
		t.Fatalf("operator-laden query errored: %v", err)
	}
	if hits, _ := s.Search(ctx, "   ", 5); hits != nil {
		t.Error("blank query should return nothing")
	}
}

func TestSearchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.Append(ctx, "kubernetes cluster upgrade checklist item", "runbook")
	}
	hits, err := s.Search(ctx, "kubernetes", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Errorf("got %d hits, want 3", len(hits))
	}
}

func TestIngestChunksByParagraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.md")
	content := "first paragraph about redis\nstill first\n\nsecond paragraph about kafka\n\n\nthird about nats\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := s.Ingest(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("ingested %d chunks, want 3", n)
	}

	hits, err := s.Search(ctx, "kafka", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Source != path {
		t.Errorf("hits = %+v", hits)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Entries != 0 || !empty.LastAppend.IsZero() {
		t.Errorf("empty stats = %+v", empty)
	}

	s.Append(ctx, "alpha", "a")
	s.Append(ctx, "beta", "a")
	s.Append(ctx, "gamma", "b")

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 3 || st.Sources != 2 || st.LastAppend.IsZero() {
		t.Errorf("stats = %+v", st)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := s.Append(context.Background(), "durable fact", "test")
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "durable fact" {
		t.Errorf("content = %q", got.Content)
	}
}
