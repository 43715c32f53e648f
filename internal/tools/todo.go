package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxTodoItems = 20

// TodoItem is one planning entry.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // "pending" | "in_progress" | "completed"
}

// TodoManager persists the agent's todo list under the workspace.
type TodoManager struct {
	mu    sync.Mutex
	path  string
	items []TodoItem
}

func NewTodoManager(dir string) (*TodoManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create todo dir: %w", err)
	}
	m := &TodoManager{path: filepath.Join(dir, "todos.json")}
	data, err := os.ReadFile(m.path)
	if err == nil {
		json.Unmarshal(data, &m.items)
	}
	return m, nil
}

// Register adds the TodoWrite tool. The whole list is replaced on each
// call; the model re-sends all items.
func (m *TodoManager) Register(reg *Registry) error {
	return reg.Register(Spec{
		Name:        "TodoWrite",
		Description: "Replace the task list. Send the complete list each time; at most one item may be in_progress.",
		Schema: ObjectSchema(map[string]interface{}{
			"items": map[string]interface{}{
				"type": "array",
				"items": ObjectSchema(map[string]interface{}{
					"content": map[string]interface{}{"type": "string"},
					"status":  map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
				}, "content", "status"),
			},
		}, "items"),
		Handler: m.write,
	})
}

func (m *TodoManager) write(ctx context.Context, args map[string]interface{}) *Result {
	raw, _ := args["items"].([]interface{})
	if len(raw) > maxTodoItems {
		return ErrorResult(fmt.Sprintf("todo list has %d items; the limit is ≤%d", len(raw), maxTodoItems))
	}

	items := make([]TodoItem, 0, len(raw))
	inProgress := 0
	for i, r := range raw {
		obj, ok := r.(map[string]interface{})
		if !ok {
			return ErrorResult(fmt.Sprintf("item %d is not an object", i))
		}
		item := TodoItem{
			Content: strings.TrimSpace(fmt.Sprint(obj["content"])),
			Status:  fmt.Sprint(obj["status"]),
		}
		if item.Content == "" {
			return ErrorResult(fmt.Sprintf("item %d has empty content", i))
		}
		switch item.Status {
		case "pending", "in_progress", "completed":
		default:
			return ErrorResult(fmt.Sprintf("item %d has invalid status %q", i, item.Status))
		}
		if item.Status == "in_progress" {
			inProgress++
		}
		items = append(items, item)
	}
	if inProgress > 1 {
		return ErrorResult(fmt.Sprintf("%d items are in_progress; at most one may be in progress at a time", inProgress))
	}

	m.mu.Lock()
	m.items = items
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to persist todos: %v", err))
	}
	return SilentResult(fmt.Sprintf("Todo list updated: %d item(s)", len(items)))
}

// Items returns a copy of the current list.
func (m *TodoManager) Items() []TodoItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TodoItem(nil), m.items...)
}

// Render formats the list for prompt injection; empty lists render empty.
func (m *TodoManager) Render() string {
	items := m.Items()
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current tasks:\n")
	for _, it := range items {
		mark := " "
		switch it.Status {
		case "in_progress":
			mark = ">"
		case "completed":
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, it.Content)
	}
	return b.String()
}

func (m *TodoManager) saveLocked() error {
	data, err := json.MarshalIndent(m.items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), "todos-*.json")
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
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
