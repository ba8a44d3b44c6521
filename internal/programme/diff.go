package programme

import (
	"sort"
	"time"
)

// Diff compares the last committed snapshot against the freshly fetched one
// and returns the changes between them.
//
// A nil previous snapshot means this market has never been observed; the
// current set establishes the baseline and no changes are reported.
//
// The result is deterministic: disappeared programmes first, then appeared
// ones, each group sorted by id. Diff performs no I/O.
func Diff(previous *Snapshot, current Snapshot, detectedAt time.Time) []Change {
	if previous == nil {
		return nil
	}

	var disappeared, appeared []ID
	for _, id := range previous.Programmes {
		if !current.Contains(id) {
			disappeared = append(disappeared, id)
		}
	}
	for _, id := range current.Programmes {
		if !previous.Contains(id) {
			appeared = append(appeared, id)
		}
	}
	sort.Slice(disappeared, func(i, j int) bool { return disappeared[i] < disappeared[j] })
	sort.Slice(appeared, func(i, j int) bool { return appeared[i] < appeared[j] })

	changes := make([]Change, 0, len(disappeared)+len(appeared))
	for _, id := range disappeared {
		changes = append(changes, Change{
			ProgrammeID: id,
			Kind:        KindDisappeared,
			MarketKey:   current.MarketKey,
			DetectedAt:  detectedAt,
		})
	}
	for _, id := range appeared {
		changes = append(changes, Change{
			ProgrammeID: id,
			Kind:        KindAppeared,
			MarketKey:   current.MarketKey,
			DetectedAt:  detectedAt,
		})
	}
	return changes
}
