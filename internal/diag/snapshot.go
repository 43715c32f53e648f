package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// snapshotKeep bounds how many snapshot files survive pruning.
const snapshotKeep = 20

// Snapshot is a point-in-time dump of the bus, written periodically when
// auto-snapshotting is enabled.
type Snapshot struct {
	TakenAt        time.Time   `json:"taken_at"`
	BufferedEvents int         `json:"buffered_events"`
	Stats          []TypeStats `json:"stats"`
	RecentErrors   []Event     `json:"recent_errors,omitempty"`
}

// WriteSnapshot dumps the bus state to a timestamped JSON file under dir,
// pruning older snapshots. Returns the path written.
func WriteSnapshot(b *Bus, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	snap := Snapshot{
		TakenAt:        time.Now().UTC(),
		BufferedEvents: b.Len(),
		Stats:          b.Stats(),
		RecentErrors:   b.RecentErrors(10),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}

	name := "diag-" + snap.TakenAt.Format("20060102T150405.000000000Z") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	prune(dir)
	return path, nil
}

func prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "diag-") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= snapshotKeep {
		return
	}
	sort.Strings(names)
	for _, stale := range names[:len(names)-snapshotKeep] {
		os.Remove(filepath.Join(dir, stale))
	}
}
