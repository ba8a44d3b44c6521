package dispatch

import (
	"testing"
	"time"

	"affwatch/internal/programme"
)

func TestRule_EmptyExpressionMatchesEverything(t *testing.T) {
	t.Parallel()

	rule, err := NewRule("")
	if err != nil {
		t.Fatalf("NewRule error: %v", err)
	}
	matched, err := rule.Match(change(programme.KindAppeared, "1"))
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}
}

func TestRule_NilRuleMatches(t *testing.T) {
	t.Parallel()

	var rule *Rule
	matched, err := rule.Match(change(programme.KindDisappeared, "1"))
	if err != nil || !matched {
		t.Fatalf("expected nil rule to match, got matched=%v err=%v", matched, err)
	}
}

func TestRule_FiltersByKindAndMarket(t *testing.T) {
	t.Parallel()

	rule, err := NewRule(`kind == "disappeared" && market in ["SE", "DK"]`)
	if err != nil {
		t.Fatalf("NewRule error: %v", err)
	}

	cases := []struct {
		change programme.Change
		want   bool
	}{
		{programme.Change{ProgrammeID: "1", Kind: programme.KindDisappeared, MarketKey: "SE"}, true},
		{programme.Change{ProgrammeID: "1", Kind: programme.KindAppeared, MarketKey: "SE"}, false},
		{programme.Change{ProgrammeID: "1", Kind: programme.KindDisappeared, MarketKey: "NO"}, false},
	}
	for _, tc := range cases {
		tc.change.DetectedAt = time.Now().UTC()
		got, err := rule.Match(tc.change)
		if err != nil {
			t.Fatalf("Match error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Match(%+v) = %v, want %v", tc.change, got, tc.want)
		}
	}
}

func TestNewRule_RejectsNonBoolExpression(t *testing.T) {
	t.Parallel()

	if _, err := NewRule(`market + "x"`); err == nil {
		t.Fatal("expected compile error for non-bool rule")
	}
}

func TestNewRule_RejectsBrokenExpression(t *testing.T) {
	t.Parallel()

	if _, err := NewRule(`kind ==`); err == nil {
		t.Fatal("expected compile error")
	}
}
