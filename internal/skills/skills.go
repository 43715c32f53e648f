// Package skills loads markdown skill files and matches them against
// inbound text by keyword. A skill file is markdown with an optional
// front-matter block:
//
//	---
//	name: release-notes
//	description: drafting release notes
//	keywords: release, changelog, notes
//	always: false
//	---
//	...skill body...
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Skill is one loaded skill file.
type Skill struct {
	Name        string
	Description string
	Keywords    []string
	Always      bool // injected into every prompt regardless of keywords
	Content     string
	Path        string
}

// Loader owns a skill directory and keeps its contents fresh.
type Loader struct {
	dir    string
	mu     sync.RWMutex
	skills map[string]*Skill

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, skills: make(map[string]*Skill)}
}

// Load scans the directory for *.md files and replaces the loaded set.
// A missing directory is not an error; it just yields no skills.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skill dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		s, err := parseFile(path)
		if err != nil {
			slog.Warn("skills: skipping unreadable skill", "path", path, "error", err)
			continue
		}
		loaded[s.Name] = s
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	slog.Info("skills: loaded", "dir", l.dir, "count", len(loaded))
	return nil
}

// Match returns skills relevant to the given text: always-on skills plus
// any whose keyword appears in the text (case-insensitive).
func (l *Loader) Match(text string) []*Skill {
	lower := strings.ToLower(text)

	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Skill
	for _, s := range l.skills {
		if s.Always || matchesKeyword(lower, s.Keywords) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// List returns all loaded skills sorted by name.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the skill set when files under the directory change.
// Events are debounced; the loader keeps serving the old set until the
// reload finishes.
func (l *Loader) Watch(ctx context.Context) error {
	if l.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch skill dir: %w", err)
	}
	l.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	l.watchCancel = cancel
	l.watchWg.Add(1)
	go func() {
		defer l.watchWg.Done()
		var mu sync.Mutex
		var timer *time.Timer
		schedule := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				if err := l.Load(); err != nil {
					slog.Warn("skills: reload failed", "error", err)
				}
			})
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills: watch error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watchCancel != nil {
		l.watchCancel()
		l.watchCancel = nil
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	l.watchWg.Wait()
	return nil
}

func matchesKeyword(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

// parseFile reads one skill file. The front-matter block is optional;
// without one the file name (minus extension) becomes the skill name.
func parseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Skill{
		Name: strings.TrimSuffix(filepath.Base(path), ".md"),
		Path: path,
	}

	content := string(data)
	if strings.HasPrefix(content, "---\n") {
		rest := content[len("---\n"):]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			parseFrontMatter(rest[:idx], s)
			content = strings.TrimPrefix(rest[idx+len("\n---"):], "\n")
		}
	}
	s.Content = strings.TrimSpace(content)
	return s, nil
}

func parseFrontMatter(block string, s *Skill) {
	for _, line := range strings.Split(block, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "name":
			if value != "" {
				s.Name = value
			}
		case "description":
			s.Description = value
		case "keywords":
			for _, kw := range strings.Split(value, ",") {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw != "" {
					s.Keywords = append(s.Keywords, kw)
				}
			}
		case "always":
			s.Always = value == "true"
		}
	}
}
