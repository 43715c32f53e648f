package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/finchlabs/finch/internal/providers"
)

const defaultLogKeep = 50

// requestLogger writes each turn's model request payload to a rotating set
// of JSON files under the log directory.
type requestLogger struct {
	dir  string
	keep int
}

func newRequestLogger(dir string, keep int) *requestLogger {
	if keep <= 0 {
		keep = defaultLogKeep
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("request log dir unavailable", "dir", dir, "error", err)
		return nil
	}
	return &requestLogger{dir: dir, keep: keep}
}

func (l *requestLogger) write(turnID string, req providers.ChatRequest) {
	entry := struct {
		TurnID string                `json:"turn_id"`
		Ts     time.Time             `json:"ts"`
		Model  string                `json:"model"`
		Req    providers.ChatRequest `json:"request"`
	}{TurnID: turnID, Ts: time.Now().UTC(), Model: req.Model, Req: req}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return
	}
	name := "request-" + time.Now().UTC().Format("20060102T150405.000000000Z") + ".json"
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		slog.Warn("request log write failed", "error", err)
		return
	}
	l.prune()
}

// prune drops the oldest request logs beyond the retention count. Filenames
// embed the timestamp, so lexical order is chronological.
func (l *requestLogger) prune() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "request-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= l.keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-l.keep] {
		os.Remove(filepath.Join(l.dir, name))
	}
}
