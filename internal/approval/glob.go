package approval

// MatchPattern reports whether an allowlist glob matches a command segment's
// full textual form. `*` matches any run of characters including none, `?`
// matches exactly one. The match is anchored end to end; there is no escape
// syntax inside patterns. filepath.Match is not used because its character
// classes and separator handling do not apply to command strings.
func MatchPattern(pattern, s string) bool {
	p := []rune(pattern)
	t := []rune(s)

	// Iterative matcher with single-star backtracking.
	pi, ti := 0, 0
	star, starTi := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case pi < len(p) && p[pi] == '*':
			star = pi
			starTi = ti
			pi++
		case star >= 0:
			pi = star + 1
			starTi++
			ti = starTi
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// ValidatePattern rejects patterns that can never match anything useful.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	return nil
}
