// Package rules implements the deterministic correction engine that runs
// during post-processing. Application always starts from a segment's
// baseline text, never from previously corrected output, so re-running the
// engine with the same rule set is a no-op the second time.
package rules

import (
	"regexp"
	"sort"
	"strings"
)

// Scope controls how a rule's pattern matches segment text.
type Scope string

const (
	ScopeExact Scope = "exact" // literal substring / phrase
	ScopeWord  Scope = "word"  // literal, bounded by word boundaries
	ScopeRegex Scope = "regex" // RE2 pattern
)

// Rule is one correction rule. Global rules are owned by the workspace and
// shared; user rules always win on span conflicts.
type Rule struct {
	ID          string
	Owner       string
	Global      bool
	Pattern     string
	Replacement string
	Scope       Scope
	Anonymize   bool // global rules only: redacts rather than corrects
	Priority    int
	Active      bool
}

// Change records one applied replacement. Start/End are byte offsets into
// the corrected text at the moment the rule was applied, adjusted for any
// later replacements so the final spans index into the returned text.
type Change struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Input carries everything Apply needs. Rules must be the full snapshotted
// set for the workspace; Apply filters and orders internally.
type Input struct {
	Baseline string
	Speaker  string
	Aliases  map[string]string

	Rules []Rule

	// GlobalOptIn gates visibility of global rules entirely.
	GlobalOptIn bool
	// AllowAnonymize additionally gates global rules carrying the
	// anonymization flag (the workspace's anonymous-learning setting).
	AllowAnonymize bool
}

// Result is the corrected segment.
type Result struct {
	Text    string
	Speaker string
	Changes []Change
}

// Apply is a pure function from baseline text and a fixed rule set to
// corrected text plus a change list. Phase order is fixed: alias
// substitution, user exact, user word-boundary, user regex, then global
// rules. A global rule match is skipped when its span intersects any span
// already rewritten by a user rule.
func Apply(in Input) Result {
	res := Result{Text: in.Baseline, Speaker: in.Speaker}
	if alias, ok := in.Aliases[in.Speaker]; ok && alias != "" {
		res.Speaker = alias
	}

	userExact, userWord, userRegex, global := partition(in.Rules)

	var userSpans []span
	for _, phase := range [][]Rule{userExact, userWord, userRegex} {
		for _, r := range phase {
			matches := findMatches(res.Text, r)
			if len(matches) == 0 {
				continue
			}
			var applied []span
			res.Text, applied = replaceMatches(res.Text, matches, r.ID, &res.Changes)
			userSpans = remapSpans(userSpans, matches)
			userSpans = append(userSpans, applied...)
		}
	}

	if in.GlobalOptIn {
		for _, r := range global {
			if r.Anonymize && !in.AllowAnonymize {
				continue
			}
			matches := findMatches(res.Text, r)
			// User intent wins: drop matches overlapping user-rewritten spans.
			kept := matches[:0]
			for _, m := range matches {
				if !overlapsAny(userSpans, m.start, m.end) {
					kept = append(kept, m)
				}
			}
			if len(kept) == 0 {
				continue
			}
			res.Text, _ = replaceMatches(res.Text, kept, r.ID, &res.Changes)
			userSpans = remapSpans(userSpans, kept)
		}
	}

	return res
}

// partition splits the rule set into the four application phases, each
// ordered by ascending priority (insertion order preserved on ties).
func partition(all []Rule) (exact, word, regex, global []Rule) {
	for _, r := range all {
		if !r.Active {
			continue
		}
		switch {
		case r.Global:
			global = append(global, r)
		case r.Scope == ScopeExact:
			exact = append(exact, r)
		case r.Scope == ScopeWord:
			word = append(word, r)
		case r.Scope == ScopeRegex:
			regex = append(regex, r)
		}
	}
	byPriority := func(rs []Rule) {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
	}
	byPriority(exact)
	byPriority(word)
	byPriority(regex)
	byPriority(global)
	return
}

type span struct{ start, end int }

type match struct {
	start, end int
	repl       string
}

// findMatches returns the non-overlapping matches of r in text, left to
// right, with the replacement already expanded for regex rules. A rule
// whose pattern fails to compile matches nothing; creation-time
// validation is the real gate, and this keeps Apply total.
func findMatches(text string, r Rule) []match {
	switch r.Scope {
	case ScopeExact:
		return literalMatches(text, r.Pattern, r.Replacement)
	case ScopeWord:
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(r.Pattern) + `\b`)
		if err != nil {
			return nil
		}
		return regexMatches(text, re, r.Replacement, false)
	case ScopeRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil
		}
		return regexMatches(text, re, r.Replacement, true)
	}
	return nil
}

func literalMatches(text, pattern, repl string) []match {
	if pattern == "" {
		return nil
	}
	var out []match
	for from := 0; ; {
		i := strings.Index(text[from:], pattern)
		if i < 0 {
			break
		}
		start := from + i
		out = append(out, match{start: start, end: start + len(pattern), repl: repl})
		from = start + len(pattern)
	}
	return out
}

func regexMatches(text string, re *regexp.Regexp, repl string, expand bool) []match {
	idx := re.FindAllStringSubmatchIndex(text, -1)
	out := make([]match, 0, len(idx))
	for _, loc := range idx {
		if loc[0] == loc[1] {
			continue // empty matches rewrite nothing
		}
		r := repl
		if expand {
			r = string(re.ExpandString(nil, repl, text, loc))
		}
		out = append(out, match{start: loc[0], end: loc[1], repl: r})
	}
	return out
}

// replaceMatches rewrites text applying matches (which must be sorted and
// non-overlapping), appends a Change per match, shifts the spans of
// previously recorded changes, and returns the new text plus the spans of
// the replacements in new-text coordinates.
func replaceMatches(text string, matches []match, ruleID string, changes *[]Change) (string, []span) {
	var b strings.Builder
	b.Grow(len(text))

	for i := range *changes {
		(*changes)[i].Start = remapPos((*changes)[i].Start, matches)
		(*changes)[i].End = remapPos((*changes)[i].End, matches)
	}

	spans := make([]span, 0, len(matches))
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m.start])
		start := b.Len()
		b.WriteString(m.repl)
		spans = append(spans, span{start: start, end: b.Len()})
		*changes = append(*changes, Change{
			RuleID: ruleID,
			Start:  start,
			End:    b.Len(),
			Before: text[m.start:m.end],
			After:  m.repl,
		})
		prev = m.end
	}
	b.WriteString(text[prev:])
	return b.String(), spans
}

// remapPos maps a position in the pre-replacement text to the
// post-replacement text. Positions inside a replaced region clamp into the
// replacement.
func remapPos(p int, matches []match) int {
	shift := 0
	for _, m := range matches {
		if p <= m.start {
			break
		}
		if p >= m.end {
			shift += len(m.repl) - (m.end - m.start)
			continue
		}
		off := p - m.start
		if off > len(m.repl) {
			off = len(m.repl)
		}
		return m.start + shift + off
	}
	return p + shift
}

func remapSpans(spans []span, matches []match) []span {
	for i := range spans {
		spans[i].start = remapPos(spans[i].start, matches)
		spans[i].end = remapPos(spans[i].end, matches)
	}
	return spans
}

func overlapsAny(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}
