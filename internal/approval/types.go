// Package approval decides whether a candidate shell command is allowed to
// run, must ask the operator, or is denied. Decisions are cheap, deterministic,
// and auditable: safe-bin lookup, then anchored glob allowlist, then policy.
package approval

import (
	"errors"
	"time"
)

// Decision is the outcome for a command or one of its segments.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// rank orders decisions by restrictiveness; the whole-command decision is
// the most restrictive of its segment decisions.
func rank(d Decision) int {
	switch d {
	case Deny:
		return 3
	case Ask:
		return 2
	default:
		return 1
	}
}

// MostRestrictive returns the stricter of two decisions (deny > ask > allow).
func MostRestrictive(a, b Decision) Decision {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Security modes.
const (
	SecurityDeny      = "deny"
	SecurityAllowlist = "allowlist"
	SecurityFull      = "full"
)

// Ask modes.
const (
	AskOff    = "off"
	AskOnMiss = "on-miss"
	AskAlways = "always"
)

// Policy controls how non-allowlisted commands are handled.
type Policy struct {
	Security        string `json:"security"`         // "deny", "allowlist", "full"
	Ask             string `json:"ask"`              // "off", "on-miss", "always"
	AskFallback     string `json:"ask_fallback"`     // security mode applied when asking is unavailable
	AutoAllowSkills bool   `json:"auto_allow_skills"`
}

// DefaultPolicy is allowlist + ask-on-miss: unknown commands prompt instead
// of silently running or silently dying.
func DefaultPolicy() Policy {
	return Policy{
		Security:        SecurityAllowlist,
		Ask:             AskOnMiss,
		AskFallback:     SecurityDeny,
		AutoAllowSkills: true,
	}
}

// Entry is one allowlist pattern.
type Entry struct {
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntryUpdate is a partial update for an allowlist entry.
type EntryUpdate struct {
	Pattern     *string `json:"pattern,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Segment is one pipeline element of a parsed command.
type Segment struct {
	Binary  string   `json:"binary"`
	Args    []string `json:"args"`
	Text    string   `json:"text"` // full textual form matched against allowlist globs
	CwdHint string   `json:"cwd_hint,omitempty"`
}

// Analysis is the stateless parse of a command string.
type Analysis struct {
	Segments    []Segment `json:"segments"`
	Connectives []string  `json:"connectives,omitempty"` // "|", "&&", "||", ";"
}

// Result is the engine's verdict for a whole command.
type Result struct {
	Decision       Decision `json:"decision"`
	Reason         string   `json:"reason"`
	MatchedEntries []string `json:"matched_entries,omitempty"` // allowlist entry ids
	Analysis       Analysis `json:"analysis"`
}

// Config is the engine's full persistable state.
type Config struct {
	Policy    Policy   `json:"policy"`
	Allowlist []Entry  `json:"allowlist"`
	SafeBins  []string `json:"safe_bins"`
}

var (
	ErrInvalidPattern = errors.New("invalid allowlist pattern")
	ErrInvalidConfig  = errors.New("invalid approval config")
)
