package approval

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultSafeBins are binaries considered harmless regardless of arguments.
var defaultSafeBins = []string{
	"ls", "cat", "echo", "pwd", "head", "tail", "wc",
	"date", "whoami", "which", "true", "false", "uname",
}

const (
	allowlistFile = "allowlist.json"
	policyFile    = "policy.json"
	safeBinsFile  = "safebins.json"
)

// Engine evaluates commands against safe bins, the allowlist, and the
// policy. All mutations go through one mutator path that persists to disk
// atomically (write-then-rename). Reads copy out state; no lock is held
// across callers' work.
type Engine struct {
	mu        sync.RWMutex
	dir       string // .approval directory; empty = in-memory only
	policy    Policy
	allowlist []Entry
	safeBins  map[string]struct{}
	skillBins map[string]struct{}
}

// NewEngine loads persisted state from dir (creating defaults when absent).
// An empty dir keeps the engine in-memory, which the tests rely on.
func NewEngine(dir string) (*Engine, error) {
	e := &Engine{
		dir:       dir,
		policy:    DefaultPolicy(),
		safeBins:  make(map[string]struct{}),
		skillBins: make(map[string]struct{}),
	}
	for _, b := range defaultSafeBins {
		e.safeBins[b] = struct{}{}
	}
	if dir == "" {
		return e, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create approval dir: %w", err)
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetSkillBins registers built-in skill tool names; when the policy has
// AutoAllowSkills, a segment invoking one of these short-circuits to allow.
func (e *Engine) SetSkillBins(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skillBins = make(map[string]struct{}, len(names))
	for _, n := range names {
		e.skillBins[n] = struct{}{}
	}
}

// Check evaluates a command string. The whole-command decision is the most
// restrictive of its segments' decisions.
func (e *Engine) Check(command, cwd string) Result {
	analysis := Analyze(command, cwd)

	e.mu.RLock()
	policy := e.policy
	entries := make([]Entry, len(e.allowlist))
	copy(entries, e.allowlist)
	safeBins := e.safeBins
	skillBins := e.skillBins
	e.mu.RUnlock()

	res := Result{Decision: Allow, Analysis: analysis}
	if len(analysis.Segments) == 0 {
		res.Decision = Deny
		res.Reason = "empty command"
		return res
	}

	matched := map[string]struct{}{}
	for _, seg := range analysis.Segments {
		d, reason, entryID := evalSegment(seg, policy, entries, safeBins, skillBins)
		if entryID != "" {
			matched[entryID] = struct{}{}
		}
		if rank(d) > rank(res.Decision) {
			res.Decision = d
			res.Reason = reason
		}
	}
	for id := range matched {
		res.MatchedEntries = append(res.MatchedEntries, id)
	}
	if res.Reason == "" {
		res.Reason = "all segments allowed"
	}
	return res
}

func evalSegment(seg Segment, policy Policy, entries []Entry, safeBins, skillBins map[string]struct{}) (Decision, string, string) {
	base := filepath.Base(seg.Binary)

	if policy.AutoAllowSkills {
		if _, ok := skillBins[base]; ok {
			return Allow, "skill tool auto-allowed", ""
		}
	}
	if _, ok := safeBins[base]; ok {
		return Allow, fmt.Sprintf("safe binary: %s", base), ""
	}
	for _, entry := range entries {
		if MatchPattern(entry.Pattern, seg.Text) {
			if policy.Security == SecurityAllowlist && policy.Ask == AskAlways {
				return Ask, fmt.Sprintf("ask=always: %q", seg.Text), entry.ID
			}
			return Allow, fmt.Sprintf("allowlist match: %s", entry.Pattern), entry.ID
		}
	}

	switch policy.Security {
	case SecurityFull:
		return Allow, "security=full", ""
	case SecurityDeny:
		return Deny, fmt.Sprintf("security=deny: %q", seg.Text), ""
	default: // allowlist
		if policy.Ask == AskOnMiss || policy.Ask == AskAlways {
			return Ask, fmt.Sprintf("not allowlisted: %q", seg.Text), ""
		}
		return Deny, fmt.Sprintf("not allowlisted and ask=off: %q", seg.Text), ""
	}
}

// AddAllowlist appends a pattern and persists. Empty patterns are rejected
// with ErrInvalidPattern.
func (e *Engine) AddAllowlist(pattern, description string) (Entry, error) {
	if err := ValidatePattern(pattern); err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:          uuid.NewString(),
		Pattern:     pattern,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	e.mu.Lock()
	e.allowlist = append(e.allowlist, entry)
	err := e.saveLocked()
	e.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	slog.Info("approval: allowlist entry added", "id", entry.ID, "pattern", pattern)
	return entry, nil
}

// RemoveAllowlist deletes by id or exact pattern. Missing entries return
// false, not an error.
func (e *Engine) RemoveAllowlist(idOrPattern string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range e.allowlist {
		if entry.ID == idOrPattern || entry.Pattern == idOrPattern {
			e.allowlist = append(e.allowlist[:i], e.allowlist[i+1:]...)
			if err := e.saveLocked(); err != nil {
				slog.Error("approval: persist after remove failed", "error", err)
			}
			return true
		}
	}
	return false
}

// UpdateAllowlist applies a partial update; returns nil when the id is unknown.
func (e *Engine) UpdateAllowlist(id string, update EntryUpdate) (*Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.allowlist {
		if e.allowlist[i].ID != id {
			continue
		}
		if update.Pattern != nil {
			if err := ValidatePattern(*update.Pattern); err != nil {
				return nil, err
			}
			e.allowlist[i].Pattern = *update.Pattern
		}
		if update.Description != nil {
			e.allowlist[i].Description = *update.Description
		}
		if err := e.saveLocked(); err != nil {
			return nil, err
		}
		entry := e.allowlist[i]
		return &entry, nil
	}
	return nil, nil
}

// Allowlist returns a copy of the current entries.
func (e *Engine) Allowlist() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Entry, len(e.allowlist))
	copy(out, e.allowlist)
	return out
}

// AddSafeBin registers a binary base name as always-allowed.
func (e *Engine) AddSafeBin(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidPattern
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safeBins[name] = struct{}{}
	return e.saveLocked()
}

// RemoveSafeBin drops a safe binary; returns false when absent.
func (e *Engine) RemoveSafeBin(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.safeBins[name]; !ok {
		return false
	}
	delete(e.safeBins, name)
	if err := e.saveLocked(); err != nil {
		slog.Error("approval: persist after safe-bin remove failed", "error", err)
	}
	return true
}

// SafeBins returns the sorted safe binary set.
func (e *Engine) SafeBins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.safeBins)
}

// Policy returns the current policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// PolicyUpdate is a partial policy change.
type PolicyUpdate struct {
	Security        *string `json:"security,omitempty"`
	Ask             *string `json:"ask,omitempty"`
	AskFallback     *string `json:"ask_fallback,omitempty"`
	AutoAllowSkills *bool   `json:"auto_allow_skills,omitempty"`
}

// SetPolicy applies a partial policy update and persists.
func (e *Engine) SetPolicy(update PolicyUpdate) (Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if update.Security != nil {
		switch *update.Security {
		case SecurityDeny, SecurityAllowlist, SecurityFull:
			e.policy.Security = *update.Security
		default:
			return e.policy, fmt.Errorf("%w: security %q", ErrInvalidConfig, *update.Security)
		}
	}
	if update.Ask != nil {
		switch *update.Ask {
		case AskOff, AskOnMiss, AskAlways:
			e.policy.Ask = *update.Ask
		default:
			return e.policy, fmt.Errorf("%w: ask %q", ErrInvalidConfig, *update.Ask)
		}
	}
	if update.AskFallback != nil {
		e.policy.AskFallback = *update.AskFallback
	}
	if update.AutoAllowSkills != nil {
		e.policy.AutoAllowSkills = *update.AutoAllowSkills
	}
	return e.policy, e.saveLocked()
}

// ExportConfig serializes the engine's observable state.
func (e *Engine) ExportConfig() ([]byte, error) {
	e.mu.RLock()
	cfg := Config{
		Policy:    e.policy,
		Allowlist: append([]Entry(nil), e.allowlist...),
		SafeBins:  sortedKeys(e.safeBins),
	}
	e.mu.RUnlock()
	return json.MarshalIndent(cfg, "", "  ")
}

// ImportConfig replaces the engine state from an ExportConfig payload.
func (e *Engine) ImportConfig(data []byte) error {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, entry := range cfg.Allowlist {
		if err := ValidatePattern(entry.Pattern); err != nil {
			return fmt.Errorf("%w: entry %s", ErrInvalidConfig, entry.ID)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = cfg.Policy
	e.allowlist = cfg.Allowlist
	e.safeBins = make(map[string]struct{}, len(cfg.SafeBins))
	for _, b := range cfg.SafeBins {
		e.safeBins[b] = struct{}{}
	}
	return e.saveLocked()
}

// Reset restores defaults (empty allowlist, default policy and safe bins).
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = DefaultPolicy()
	e.allowlist = nil
	e.safeBins = make(map[string]struct{})
	for _, b := range defaultSafeBins {
		e.safeBins[b] = struct{}{}
	}
	return e.saveLocked()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
