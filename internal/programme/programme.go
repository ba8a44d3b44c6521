// Package programme holds the domain model for tracked affiliate programmes:
// per-market snapshots of the active programme set and the changes derived
// from comparing two snapshots.
package programme

import (
	"sort"
	"time"
)

// ID identifies a merchant programme within a market. The upstream network
// reports numeric ids, but they are treated as opaque strings throughout.
type ID string

// Snapshot is the set of active programme ids for one market at one point in
// time. Snapshots are values and are never mutated after creation.
type Snapshot struct {
	MarketKey  string
	ObservedAt time.Time
	Programmes []ID
}

// NewSnapshot builds a snapshot with a defensively copied, sorted,
// de-duplicated id set.
func NewSnapshot(marketKey string, observedAt time.Time, ids []ID) Snapshot {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return Snapshot{MarketKey: marketKey, ObservedAt: observedAt, Programmes: out}
}

// Contains reports whether the snapshot includes the given programme id.
func (s Snapshot) Contains(id ID) bool {
	i := sort.Search(len(s.Programmes), func(i int) bool { return s.Programmes[i] >= id })
	return i < len(s.Programmes) && s.Programmes[i] == id
}

// ChangeKind classifies a change between two snapshots.
type ChangeKind string

const (
	KindAppeared    ChangeKind = "appeared"
	KindDisappeared ChangeKind = "disappeared"
)

// Change records one programme entering or leaving a market's active set.
// Changes live for a single poll cycle.
type Change struct {
	ProgrammeID ID
	Kind        ChangeKind
	MarketKey   string
	DetectedAt  time.Time
}

// DeliveryStatus is the terminal (or in-flight) state of one alert delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// DeliveryRecord tracks the delivery attempts for a single change.
type DeliveryRecord struct {
	Change        Change
	Attempts      int
	LastAttemptAt time.Time
	Status        DeliveryStatus
}

// Terminal reports whether the record has reached a final delivery status.
func (r DeliveryRecord) Terminal() bool {
	return r.Status == StatusDelivered || r.Status == StatusFailed
}
