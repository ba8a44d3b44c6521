package programme

import (
	"reflect"
	"testing"
	"time"
)

func snap(market string, ids ...ID) Snapshot {
	return NewSnapshot(market, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), ids)
}

func idsByKind(changes []Change, kind ChangeKind) []ID {
	var out []ID
	for _, c := range changes {
		if c.Kind == kind {
			out = append(out, c.ProgrammeID)
		}
	}
	return out
}

func TestDiff_BaselineReturnsNoChanges(t *testing.T) {
	t.Parallel()

	current := snap("SE", "101", "202", "303")
	changes := Diff(nil, current, time.Now().UTC())
	if len(changes) != 0 {
		t.Fatalf("expected no changes on first run, got %v", changes)
	}
}

func TestDiff_AppearedAndDisappeared(t *testing.T) {
	t.Parallel()

	previous := snap("SE", "A", "B", "C")
	current := snap("SE", "B", "C", "D")
	now := time.Now().UTC()

	changes := Diff(&previous, current, now)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(changes), changes)
	}
	if changes[0].Kind != KindDisappeared || changes[0].ProgrammeID != "A" {
		t.Fatalf("expected [disappeared A] first, got %+v", changes[0])
	}
	if changes[1].Kind != KindAppeared || changes[1].ProgrammeID != "D" {
		t.Fatalf("expected [appeared D] second, got %+v", changes[1])
	}
	for _, c := range changes {
		if c.MarketKey != "SE" {
			t.Fatalf("expected market SE on change, got %q", c.MarketKey)
		}
		if !c.DetectedAt.Equal(now) {
			t.Fatalf("expected detectedAt %v, got %v", now, c.DetectedAt)
		}
	}
}

func TestDiff_IsSymmetricDifference(t *testing.T) {
	t.Parallel()

	a := snap("DK", "1", "2", "3", "5")
	b := snap("DK", "2", "4", "5", "6")

	forward := Diff(&a, b, time.Now().UTC())
	backward := Diff(&b, a, time.Now().UTC())

	// diff(A,B) and diff(B,A) must cover the same ids with kinds swapped.
	if got, want := idsByKind(forward, KindDisappeared), idsByKind(backward, KindAppeared); !reflect.DeepEqual(got, want) {
		t.Fatalf("disappeared(A,B)=%v != appeared(B,A)=%v", got, want)
	}
	if got, want := idsByKind(forward, KindAppeared), idsByKind(backward, KindDisappeared); !reflect.DeepEqual(got, want) {
		t.Fatalf("appeared(A,B)=%v != disappeared(B,A)=%v", got, want)
	}
}

func TestDiff_IdenticalSnapshotsProduceNothing(t *testing.T) {
	t.Parallel()

	a := snap("SE", "1", "2")
	b := snap("SE", "2", "1")
	if changes := Diff(&a, b, time.Now().UTC()); len(changes) != 0 {
		t.Fatalf("expected no changes for identical sets, got %v", changes)
	}
}

func TestDiff_OrderingIsStable(t *testing.T) {
	t.Parallel()

	previous := snap("SE", "9", "3", "7")
	current := snap("SE", "3", "1", "8")

	first := Diff(&previous, current, time.Now().UTC())
	for i := 0; i < 10; i++ {
		again := Diff(&previous, current, first[0].DetectedAt)
		if len(again) != len(first) {
			t.Fatalf("unstable diff length: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if again[j].ProgrammeID != first[j].ProgrammeID || again[j].Kind != first[j].Kind {
				t.Fatalf("unstable ordering at %d: %+v vs %+v", j, again[j], first[j])
			}
		}
	}

	// Disappeared before appeared, each sorted by id.
	wantKinds := []ChangeKind{KindDisappeared, KindDisappeared, KindAppeared, KindAppeared}
	wantIDs := []ID{"7", "9", "1", "8"}
	for i, c := range first {
		if c.Kind != wantKinds[i] || c.ProgrammeID != wantIDs[i] {
			t.Fatalf("unexpected change at %d: %+v", i, c)
		}
	}
}

func TestNewSnapshot_SortsAndDeduplicates(t *testing.T) {
	t.Parallel()

	s := snap("SE", "b", "a", "b", "", "c")
	want := []ID{"a", "b", "c"}
	if !reflect.DeepEqual(s.Programmes, want) {
		t.Fatalf("expected %v, got %v", want, s.Programmes)
	}
	if !s.Contains("b") || s.Contains("z") {
		t.Fatalf("Contains gave wrong answer")
	}
}
