package exporting

import "strings"

// Pattern is a space-separated list of glob terms matched in order against
// label keys. A term prefixed with '!' rejects; the first matching term
// wins. An empty pattern accepts everything.
type Pattern struct {
	terms []patternTerm
}

type patternTerm struct {
	expr     string
	negative bool
}

// ParsePattern compiles a pattern list. "*" and "" both mean allow-all.
func ParsePattern(s string) *Pattern {
	p := &Pattern{}
	for _, tok := range strings.Fields(s) {
		neg := false
		if strings.HasPrefix(tok, "!") {
			neg = true
			tok = tok[1:]
			if tok == "" {
				continue
			}
		}
		p.terms = append(p.terms, patternTerm{expr: tok, negative: neg})
	}
	return p
}

// Match reports whether s is accepted by the pattern.
func (p *Pattern) Match(s string) bool {
	if p == nil || len(p.terms) == 0 {
		return true
	}
	for _, t := range p.terms {
		if globMatch(t.expr, s) {
			return !t.negative
		}
	}
	return false
}

// globMatch matches s against pattern, where '*' spans any run of
// characters. Keys are short, so the backtracking scan is fine.
func globMatch(pattern, s string) bool {
	var starPat, starS = -1, 0
	pi, si := 0, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			starPat, starS = pi, si
			pi++
		case pi < len(pattern) && pattern[pi] == s[si]:
			pi++
			si++
		case starPat >= 0:
			starS++
			pi, si = starPat+1, starS
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
