package agent

import (
	"regexp"
	"strings"
)

// HeartbeatOK is the sentinel a heartbeat turn replies with when nothing
// needs attention. The router suppresses it before delivery.
const HeartbeatOK = "HEARTBEAT_OK"

// silentToken marks a deliberate non-reply. It is saved to the session for
// context but never delivered.
const silentToken = "NO_REPLY"

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

// SanitizeReply cleans assistant text before it is saved and delivered:
// leaked reasoning tags are removed and consecutive duplicate paragraphs
// collapse to one.
func SanitizeReply(content string) string {
	if content == "" {
		return ""
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			content = pat.ReplaceAllString(content, "")
		}
	}
	content = collapseDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var out []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && trimmed == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, block)
	}
	return strings.Join(out, "\n\n")
}

// IsSilentReply reports whether the text is a NO_REPLY token, alone or at
// either edge of the reply.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, silentToken); ok {
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, silentToken); ok {
		if !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
