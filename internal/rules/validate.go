package rules

import (
	"regexp"
	"regexp/syntax"

	"github.com/snarg/custody-engine/internal/fault"
)

const maxPatternLen = 512

// ValidatePattern vets a rule pattern at creation time. Regex rules compile
// under RE2 semantics, which guarantees linear-time matching (no
// catastrophic backtracking); validation still rejects patterns that are
// oversized, match the empty string, or carry pathological repetition
// counts, since those degrade matching even without backtracking.
func ValidatePattern(scope Scope, pattern string) error {
	if pattern == "" {
		return fault.Policy("pattern must not be empty")
	}
	if len(pattern) > maxPatternLen {
		return fault.Policy("pattern exceeds %d bytes", maxPatternLen)
	}

	switch scope {
	case ScopeExact, ScopeWord:
		return nil
	case ScopeRegex:
	default:
		return fault.Policy("unknown scope %q", scope)
	}

	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fault.Policy("invalid regex: %v", err)
	}
	if n := maxRepeat(parsed); n > 256 {
		return fault.Policy("repetition count %d exceeds limit 256", n)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fault.Policy("invalid regex: %v", err)
	}
	if re.MatchString("") {
		return fault.Policy("pattern must not match the empty string")
	}
	return nil
}

func maxRepeat(re *syntax.Regexp) int {
	n := 0
	if re.Op == syntax.OpRepeat {
		if re.Max > n {
			n = re.Max
		}
		if re.Min > n {
			n = re.Min
		}
	}
	for _, sub := range re.Sub {
		if m := maxRepeat(sub); m > n {
			n = m
		}
	}
	return n
}
