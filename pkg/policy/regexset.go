package policy

import "regexp"

// RegexSet is a batch-compiled set of patterns. Matches returns the
// indices of every pattern that matched, so reasons can name the specific
// rule that fired — generalized from the teacher's pkg/pattern first-match
// tier into an all-matches form per spec section 4.3.
type RegexSet struct {
	patterns []string
	compiled []*regexp.Regexp
}

// NewRegexSet compiles every pattern in patterns. A pattern that fails to
// compile is skipped; callers should validate patterns before persisting
// them so this path is rarely hit at artifact-build time.
func NewRegexSet(patterns []string) *RegexSet {
	rs := &RegexSet{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		rs.patterns = append(rs.patterns, p)
		rs.compiled = append(rs.compiled, re)
	}
	return rs
}

// Matches returns the indices (into Patterns()) of every pattern that
// matches domainStr.
func (rs *RegexSet) Matches(domainStr string) []int {
	var out []int
	for i, re := range rs.compiled {
		if re.MatchString(domainStr) {
			out = append(out, i)
		}
	}
	return out
}

// Patterns returns the source pattern strings, in compiled order.
func (rs *RegexSet) Patterns() []string { return rs.patterns }

// Len reports the number of compiled patterns.
func (rs *RegexSet) Len() int { return len(rs.compiled) }
