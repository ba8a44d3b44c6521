// Package store persists the last reconciled programme snapshot per market
// and the operator-facing alert log.
package store

import (
	"context"
	"fmt"
	"time"

	"affwatch/internal/programme"
)

// SnapshotStore is the durable state the poller reconciles against.
// Implementations must serialize commits per market key and make commits
// atomic: a partially written snapshot must never be loadable.
type SnapshotStore interface {
	// Load returns the last committed snapshot for the market, or nil when
	// the market has never been committed. A missing snapshot is not an error.
	Load(ctx context.Context, marketKey string) (*programme.Snapshot, error)
	// Commit atomically replaces the persisted snapshot for the market.
	Commit(ctx context.Context, snapshot programme.Snapshot) error
	Close() error
}

// AlertLog records every alert outcome for manual follow-up.
type AlertLog interface {
	LogAlert(ctx context.Context, entry AlertEntry) error
	RecentAlerts(ctx context.Context, marketKey string, limit int) ([]AlertEntry, error)
}

// AlertEntry is one row of the alert audit trail.
type AlertEntry struct {
	Timestamp   time.Time
	Event       string
	MarketKey   string
	ProgrammeID programme.ID
	Detail      string
	Delivered   bool
	Info        string
}

// StorageError wraps any persistence failure so callers can abort the cycle
// without advancing state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
