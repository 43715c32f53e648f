package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/finchlabs/finch/internal/diag"
)

func newTodoRegistry(t *testing.T) (*Registry, *TodoManager, string) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewTodoManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(diag.NewBus())
	if err := mgr.Register(reg); err != nil {
		t.Fatal(err)
	}
	return reg, mgr, dir
}

func todoItems(statuses ...string) []interface{} {
	var items []interface{}
	for i, s := range statuses {
		items = append(items, map[string]interface{}{
			"content": fmt.Sprintf("task %d", i+1),
			"status":  s,
		})
	}
	return items
}

func TestTodoWriteReplacesList(t *testing.T) {
	reg, mgr, _ := newTodoRegistry(t)

	res := reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("pending", "in_progress", "completed"),
	})
	if res.IsError {
		t.Fatalf("TodoWrite failed: %s", res.ForLLM)
	}
	if got := mgr.Items(); len(got) != 3 || got[1].Status != "in_progress" {
		t.Errorf("items = %+v", got)
	}

	// Second call replaces, not appends.
	reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("completed"),
	})
	if got := mgr.Items(); len(got) != 1 {
		t.Errorf("after replace: %+v", got)
	}
}

func TestTodoWriteTooManyItems(t *testing.T) {
	reg, _, _ := newTodoRegistry(t)

	statuses := make([]string, 21)
	for i := range statuses {
		statuses[i] = "pending"
	}
	res := reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems(statuses...),
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "≤20") {
		t.Errorf("result = %+v, want error mentioning the ≤20 limit", res)
	}
}

func TestTodoWriteSingleInProgress(t *testing.T) {
	reg, _, _ := newTodoRegistry(t)

	res := reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("in_progress", "in_progress"),
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "in_progress") {
		t.Errorf("result = %+v", res)
	}
}

func TestTodoWriteInvalidStatus(t *testing.T) {
	reg, _, _ := newTodoRegistry(t)
	res := reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("doing"),
	})
	if !res.IsError {
		t.Error("invalid status accepted")
	}
}

func TestTodoPersistsAcrossReload(t *testing.T) {
	reg, _, dir := newTodoRegistry(t)
	reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("pending", "completed"),
	})

	reloaded, err := NewTodoManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Items(); len(got) != 2 {
		t.Errorf("reloaded items = %+v", got)
	}
}

func TestTodoRender(t *testing.T) {
	_, mgr, _ := newTodoRegistry(t)
	if mgr.Render() != "" {
		t.Error("empty list should render empty")
	}

	reg, mgr2, _ := newTodoRegistry(t)
	reg.Dispatch(context.Background(), "TodoWrite", map[string]interface{}{
		"items": todoItems("in_progress", "completed"),
	})
	out := mgr2.Render()
	if !strings.Contains(out, "[>] task 1") || !strings.Contains(out, "[x] task 2") {
		t.Errorf("render = %q", out)
	}
}
