package approval

import (
	"os"
	"path/filepath"
	"strings"
)

// Analyze parses a command string into pipeline segments. Splitting happens
// on unquoted |, ||, &&, and ;. Within a segment, tokens honor single and
// double quotes plus backslash escapes, and a leading ~ expands to the
// user home. The parse is stateless and never touches the filesystem
// beyond home-dir lookup.
func Analyze(command, cwd string) Analysis {
	parts, connectives := splitSegments(command)

	a := Analysis{Connectives: connectives}
	hint := cwd
	for _, part := range parts {
		tokens := tokenize(part)
		if len(tokens) == 0 {
			continue
		}
		seg := Segment{
			Binary:  tokens[0],
			Args:    tokens[1:],
			Text:    strings.TrimSpace(part),
			CwdHint: hint,
		}
		a.Segments = append(a.Segments, seg)

		// `cd <dir> && make` — later segments run from <dir>.
		if filepath.Base(tokens[0]) == "cd" && len(tokens) > 1 {
			if filepath.IsAbs(tokens[1]) {
				hint = tokens[1]
			} else if hint != "" {
				hint = filepath.Join(hint, tokens[1])
			} else {
				hint = tokens[1]
			}
		}
	}
	return a
}

// splitSegments splits on unquoted connectives, returning the raw segment
// texts and the connectives between them in order.
func splitSegments(command string) (segments []string, connectives []string) {
	var cur strings.Builder
	var inSingle, inDouble bool

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if inSingle {
			cur.WriteRune(c)
			if c == '\'' {
				inSingle = false
			}
			continue
		}
		if inDouble {
			if c == '\\' && i+1 < len(runes) {
				cur.WriteRune(c)
				i++
				cur.WriteRune(runes[i])
				continue
			}
			cur.WriteRune(c)
			if c == '"' {
				inDouble = false
			}
			continue
		}

		switch c {
		case '\\':
			cur.WriteRune(c)
			if i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
			}
		case '\'':
			inSingle = true
			cur.WriteRune(c)
		case '"':
			inDouble = true
			cur.WriteRune(c)
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				flush()
				connectives = append(connectives, "||")
				i++
			} else {
				flush()
				connectives = append(connectives, "|")
			}
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				flush()
				connectives = append(connectives, "&&")
				i++
			} else {
				cur.WriteRune(c)
			}
		case ';':
			flush()
			connectives = append(connectives, ";")
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return segments, connectives
}

// tokenize splits a segment into words, honoring quotes and escapes and
// expanding a leading ~ to the user home directory.
func tokenize(segment string) []string {
	var tokens []string
	var cur strings.Builder
	var inSingle, inDouble, hasToken bool

	flush := func() {
		if hasToken {
			tokens = append(tokens, expandHome(cur.String()))
			cur.Reset()
			hasToken = false
		}
	}

	runes := []rune(segment)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if inSingle {
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(c)
			}
			continue
		}
		if inDouble {
			if c == '\\' && i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				continue
			}
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteRune(c)
			}
			continue
		}

		switch {
		case c == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			hasToken = true
		case c == '\'':
			inSingle = true
			hasToken = true
		case c == '"':
			inDouble = true
			hasToken = true
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteRune(c)
			hasToken = true
		}
	}
	flush()
	return tokens
}

func expandHome(token string) string {
	if token == "~" || strings.HasPrefix(token, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + token[1:]
		}
	}
	return token
}
