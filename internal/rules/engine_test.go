package rules

import (
	"reflect"
	"testing"
)

func user(id string, scope Scope, pattern, repl string, prio int) Rule {
	return Rule{ID: id, Owner: "user-1", Pattern: pattern, Replacement: repl, Scope: scope, Priority: prio, Active: true}
}

func global(id string, scope Scope, pattern, repl string, prio int) Rule {
	r := user(id, scope, pattern, repl, prio)
	r.Owner = "global"
	r.Global = true
	return r
}

func TestApplyPhraseRule(t *testing.T) {
	res := Apply(Input{
		Baseline: "the attorney general spoke",
		Speaker:  "SPEAKER_00",
		Rules:    []Rule{user("r1", ScopeExact, "attorney general", "Attorney General", 0)},
	})
	if res.Text != "the Attorney General spoke" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Changes) != 1 {
		t.Fatalf("changes = %+v", res.Changes)
	}
	c := res.Changes[0]
	if c.RuleID != "r1" || c.Before != "attorney general" || c.After != "Attorney General" {
		t.Errorf("change = %+v", c)
	}
	if res.Text[c.Start:c.End] != "Attorney General" {
		t.Errorf("span [%d,%d) = %q", c.Start, c.End, res.Text[c.Start:c.End])
	}
}

func TestApplyIsIdempotentFromBaseline(t *testing.T) {
	in := Input{
		Baseline: "the attorney general spoke to the attorney general",
		Speaker:  "SPEAKER_01",
		Aliases:  map[string]string{"SPEAKER_01": "Det. Alvarez"},
		Rules: []Rule{
			user("r1", ScopeExact, "attorney general", "Attorney General", 0),
			user("r2", ScopeWord, "spoke", "testified", 1),
		},
	}
	first := Apply(in)
	second := Apply(in)
	if first.Text != second.Text || first.Speaker != second.Speaker {
		t.Errorf("re-application differs: %q vs %q", first.Text, second.Text)
	}
	if !reflect.DeepEqual(first.Changes, second.Changes) {
		t.Errorf("change lists differ: %+v vs %+v", first.Changes, second.Changes)
	}
}

func TestSpeakerAliasDoesNotTouchText(t *testing.T) {
	res := Apply(Input{
		Baseline: "SPEAKER_00 said hello",
		Speaker:  "SPEAKER_00",
		Aliases:  map[string]string{"SPEAKER_00": "Judge Orin"},
	})
	if res.Speaker != "Judge Orin" {
		t.Errorf("speaker = %q", res.Speaker)
	}
	if res.Text != "SPEAKER_00 said hello" {
		t.Errorf("alias substitution leaked into text: %q", res.Text)
	}
}

func TestScopePhaseOrderBeatsPriority(t *testing.T) {
	// An exact rule runs before a word rule even when the word rule has a
	// lower priority number.
	res := Apply(Input{
		Baseline: "ok",
		Rules: []Rule{
			user("word", ScopeWord, "ok", "fine", 0),
			user("exact", ScopeExact, "ok", "okay", 99),
		},
	})
	if res.Text != "okay" {
		t.Errorf("text = %q", res.Text)
	}
	// The word rule then no longer matches.
	if len(res.Changes) != 1 || res.Changes[0].RuleID != "exact" {
		t.Errorf("changes = %+v", res.Changes)
	}
}

func TestPriorityWithinPhase(t *testing.T) {
	res := Apply(Input{
		Baseline: "colour",
		Rules: []Rule{
			user("late", ScopeExact, "colour", "colors", 5),
			user("early", ScopeExact, "colour", "color", 1),
		},
	})
	if res.Text != "color" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestWordBoundaryScope(t *testing.T) {
	res := Apply(Input{
		Baseline: "cat category cat",
		Rules:    []Rule{user("r1", ScopeWord, "cat", "dog", 0)},
	})
	if res.Text != "dog category dog" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRegexScopeWithExpansion(t *testing.T) {
	res := Apply(Input{
		Baseline: "case 12-345 and case 99-100",
		Rules:    []Rule{user("r1", ScopeRegex, `(\d{2})-(\d{3})`, "No. $1/$2", 0)},
	})
	if res.Text != "case No. 12/345 and case No. 99/100" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Changes) != 2 {
		t.Errorf("changes = %+v", res.Changes)
	}
}

func TestGlobalRuleRequiresOptIn(t *testing.T) {
	in := Input{
		Baseline: "um hello",
		Rules:    []Rule{global("g1", ScopeWord, "um", "", 0)},
	}
	if res := Apply(in); res.Text != "um hello" {
		t.Errorf("global rule applied without opt-in: %q", res.Text)
	}
	in.GlobalOptIn = true
	if res := Apply(in); res.Text != " hello" {
		t.Errorf("opted-in global rule not applied: %q", res.Text)
	}
}

func TestAnonymizingGlobalRuleRequiresLearningFlag(t *testing.T) {
	anon := global("g1", ScopeRegex, `\d{3}-\d{2}-\d{4}`, "[REDACTED]", 0)
	anon.Anonymize = true
	in := Input{
		Baseline:    "ssn 123-45-6789",
		Rules:       []Rule{anon},
		GlobalOptIn: true,
	}
	if res := Apply(in); res.Text != "ssn 123-45-6789" {
		t.Errorf("anonymizing rule applied without learning flag: %q", res.Text)
	}
	in.AllowAnonymize = true
	if res := Apply(in); res.Text != "ssn [REDACTED]" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestUserRuleWinsSpanConflict(t *testing.T) {
	res := Apply(Input{
		Baseline: "the attorney general spoke",
		Rules: []Rule{
			user("u1", ScopeExact, "attorney general", "Attorney General", 0),
			global("g1", ScopeExact, "General", "GENERAL", 0),
		},
		GlobalOptIn: true,
	})
	// The global match lies inside the user-rewritten span and must be
	// skipped entirely.
	if res.Text != "the Attorney General spoke" {
		t.Errorf("text = %q", res.Text)
	}
	for _, c := range res.Changes {
		if c.RuleID == "g1" {
			t.Errorf("conflicting global rule recorded a change: %+v", c)
		}
	}
}

func TestGlobalRuleAppliesOutsideUserSpans(t *testing.T) {
	res := Apply(Input{
		Baseline: "ok the attorney general said ok",
		Rules: []Rule{
			user("u1", ScopeExact, "attorney general", "Attorney General", 0),
			global("g1", ScopeWord, "ok", "OK", 0),
		},
		GlobalOptIn: true,
	})
	if res.Text != "OK the Attorney General said OK" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestInactiveRulesSkipped(t *testing.T) {
	r := user("r1", ScopeExact, "a", "b", 0)
	r.Active = false
	if res := Apply(Input{Baseline: "a", Rules: []Rule{r}}); res.Text != "a" {
		t.Errorf("inactive rule applied: %q", res.Text)
	}
}

func TestChangeSpansIndexFinalText(t *testing.T) {
	res := Apply(Input{
		Baseline: "aa bb aa",
		Rules: []Rule{
			user("r1", ScopeExact, "aa", "xxxx", 0),
			user("r2", ScopeExact, "bb", "y", 1),
		},
	})
	if res.Text != "xxxx y xxxx" {
		t.Fatalf("text = %q", res.Text)
	}
	for _, c := range res.Changes {
		if got := res.Text[c.Start:c.End]; got != c.After {
			t.Errorf("rule %s span [%d,%d) = %q, want %q", c.RuleID, c.Start, c.End, got, c.After)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		scope   Scope
		pattern string
		wantErr bool
	}{
		{"exact_ok", ScopeExact, "attorney general", false},
		{"empty", ScopeExact, "", true},
		{"word_ok", ScopeWord, "ok", false},
		{"regex_ok", ScopeRegex, `\d{3}-\d{4}`, false},
		{"regex_invalid", ScopeRegex, `(`, true},
		{"regex_empty_match", ScopeRegex, `a*`, true},
		{"regex_huge_repeat", ScopeRegex, `a{1,1000}`, true},
		{"unknown_scope", Scope("fuzzy"), "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.scope, tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePattern(%q, %q) = %v, wantErr %v", tt.scope, tt.pattern, err, tt.wantErr)
			}
		})
	}
}
