package resources

// Match reports whether name matches the glob pattern.
//
// Pattern syntax: '*' matches any run of characters including path
// separators, '?' matches exactly one character, everything else matches
// itself. A pattern of "*" matches every name. This differs from
// path.Match, where '*' stops at '/': invalidation patterns like
// "session://abc/*" must reach across the whole remainder of the URI.
func Match(pattern, name string) bool {
	p := []rune(pattern)
	n := []rune(name)

	var pi, ni int
	starPi, starNi := -1, 0

	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			// Remember the star; try matching it against nothing first.
			starPi = pi
			starNi = ni
			pi++
		case starPi >= 0:
			// Backtrack: let the last star consume one more character.
			starNi++
			pi = starPi + 1
			ni = starNi
		default:
			return false
		}
	}

	// Trailing stars match the empty remainder.
	for pi < len(p) && p[pi] == '*' {
		pi++
	}

	return pi == len(p)
}
