package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finchlabs/finch/internal/providers"
)

// DefaultHistoryCap bounds how many messages a session retains before the
// oldest user+assistant exchange is dropped.
const DefaultHistoryCap = 40

// Session stores conversation history for one conversation scope.
type Session struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Model           string `json:"model,omitempty"`
	Channel         string `json:"channel,omitempty"`
	InputTokens     int64  `json:"input_tokens,omitempty"`
	OutputTokens    int64  `json:"output_tokens,omitempty"`
	CompactionCount int    `json:"compaction_count,omitempty"`
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Manager handles session lifecycle, persistence, and lookup. Each session's
// history is mutated only by the driver for that session; the manager's lock
// covers the map and per-session field access, never a model or tool call.
type Manager struct {
	sessions   map[string]*Session
	mu         sync.RWMutex
	storage    string
	rollupDir  string
	historyCap int
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions:   make(map[string]*Session),
		storage:    storage,
		historyCap: DefaultHistoryCap,
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
		m.loadAll()
	}
	return m
}

// SetRollupDir enables per-save rollup logs: each Save also writes a small
// stats record under dir, pruned to the newest rollupKeep files.
func (m *Manager) SetRollupDir(dir string) {
	m.mu.Lock()
	m.rollupDir = dir
	m.mu.Unlock()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("session rollup dir unavailable", "dir", dir, "error", err)
		}
	}
}

// SetHistoryCap overrides the per-session message bound.
func (m *Manager) SetHistoryCap(n int) {
	if n > 0 {
		m.mu.Lock()
		m.historyCap = n
		m.mu.Unlock()
	}
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	m.sessions[key] = s
	return s
}

// AddMessage appends a message to a session and compacts when the history
// bound is exceeded.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Messages: []providers.Message{}, Created: time.Now()}
		m.sessions[key] = s
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()

	if compacted := compact(s.Messages, m.historyCap); len(compacted) != len(s.Messages) {
		s.Messages = compacted
		s.CompactionCount++
	}
}

// compact drops the oldest user→assistant exchange (including any tool
// messages inside it) until the history fits the cap. The retained history
// always starts at a user message, never a dangling tool exchange.
func compact(msgs []providers.Message, cap int) []providers.Message {
	if cap <= 0 || len(msgs) <= cap {
		return msgs
	}
	for len(msgs) > cap {
		// Drop the leading user message plus everything until the next one.
		drop := 1
		for drop < len(msgs) && msgs[drop].Role != "user" {
			drop++
		}
		if drop >= len(msgs) {
			// One giant exchange: keep the tail starting at the last user
			// message so the front stays aligned.
			last := 0
			for i, msg := range msgs {
				if msg.Role == "user" {
					last = i
				}
			}
			if last == 0 {
				return msgs[len(msgs)-cap:]
			}
			return msgs[last:]
		}
		msgs = msgs[drop:]
	}
	return msgs
}

// GetHistory returns a copy of the message history.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// UpdateMetadata sets model/channel metadata on a session.
func (m *Manager) UpdateMetadata(key, model, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if model != "" {
			s.Model = model
		}
		if channel != "" {
			s.Channel = channel
		}
	}
}

// AccumulateTokens adds token counts from a completed run.
func (m *Manager) AccumulateTokens(key string, inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
	}
}

// Reset clears a session's history.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Messages = []providers.Message{}
		s.Updated = time.Now()
	}
}

// Delete removes a session and its persisted file.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		path := filepath.Join(m.storage, sessionFilename(key))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns metadata for all sessions, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []SessionInfo
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return result
}

// Save persists a session to disk atomically (temp file → rename).
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := Session{
		Key:             s.Key,
		Created:         s.Created,
		Updated:         s.Updated,
		Model:           s.Model,
		Channel:         s.Channel,
		InputTokens:     s.InputTokens,
		OutputTokens:    s.OutputTokens,
		CompactionCount: s.CompactionCount,
	}
	snapshot.Messages = make([]providers.Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sessionFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename)

	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false

	m.writeRollup(snapshot)
	return nil
}

// rollupKeep bounds how many rollup files survive pruning.
const rollupKeep = 50

// rollup is the stats record written alongside each session save.
type rollup struct {
	Key          string    `json:"key"`
	Channel      string    `json:"channel,omitempty"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Compactions  int       `json:"compactions,omitempty"`
	Updated      time.Time `json:"updated"`
}

func (m *Manager) writeRollup(s Session) {
	m.mu.RLock()
	dir := m.rollupDir
	m.mu.RUnlock()
	if dir == "" {
		return
	}

	data, err := json.MarshalIndent(rollup{
		Key:          s.Key,
		Channel:      s.Channel,
		Model:        s.Model,
		MessageCount: len(s.Messages),
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		Compactions:  s.CompactionCount,
		Updated:      s.Updated,
	}, "", "  ")
	if err != nil {
		return
	}

	name := "session-" + time.Now().UTC().Format("20060102T150405.000000000Z") + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("session rollup write failed", "error", err)
		return
	}

	// Lexical order matches chronological order for these names.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= rollupKeep {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "session-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, stale := range names[:max(0, len(names)-rollupKeep)] {
		os.Remove(filepath.Join(dir, stale))
	}
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sessionFilename(key string) string {
	return fmt.Sprintf("session-%s.json", strings.ReplaceAll(key, ":", "_"))
}
