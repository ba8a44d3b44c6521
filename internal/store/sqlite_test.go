package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"affwatch/internal/programme"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.sqlite3"))
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_LoadAbsentMarket(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	snap, err := s.Load(context.Background(), "SE")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for unknown market, got %+v", snap)
	}
}

func TestSQLiteStore_CommitThenLoad(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	observed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := programme.NewSnapshot("SE", observed, []programme.ID{"200", "100"})

	if err := s.Commit(ctx, snap); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	loaded, err := s.Load(ctx, "SE")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot after commit")
	}
	if !reflect.DeepEqual(loaded.Programmes, []programme.ID{"100", "200"}) {
		t.Fatalf("unexpected programme set: %v", loaded.Programmes)
	}
	if !loaded.ObservedAt.Equal(observed) {
		t.Fatalf("expected observedAt %v, got %v", observed, loaded.ObservedAt)
	}
}

func TestSQLiteStore_CommitReplacesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Commit(ctx, programme.NewSnapshot("DK", now, []programme.ID{"1", "2"})); err != nil {
		t.Fatalf("first Commit error: %v", err)
	}
	if err := s.Commit(ctx, programme.NewSnapshot("DK", now.Add(time.Hour), []programme.ID{"3"})); err != nil {
		t.Fatalf("second Commit error: %v", err)
	}
	loaded, err := s.Load(ctx, "DK")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(loaded.Programmes, []programme.ID{"3"}) {
		t.Fatalf("expected replaced snapshot, got %v", loaded.Programmes)
	}
}

func TestSQLiteStore_MarketsAreIndependent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Commit(ctx, programme.NewSnapshot("SE", now, []programme.ID{"s1"})); err != nil {
		t.Fatalf("Commit SE error: %v", err)
	}
	if err := s.Commit(ctx, programme.NewSnapshot("DK", now, []programme.ID{"d1"})); err != nil {
		t.Fatalf("Commit DK error: %v", err)
	}

	se, _ := s.Load(ctx, "SE")
	dk, _ := s.Load(ctx, "DK")
	if se == nil || dk == nil {
		t.Fatal("expected both markets to load")
	}
	if se.Programmes[0] != "s1" || dk.Programmes[0] != "d1" {
		t.Fatalf("markets leaked into each other: SE=%v DK=%v", se.Programmes, dk.Programmes)
	}
}

func TestSQLiteStore_IdempotentRecommit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	snap := programme.NewSnapshot("SE", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), []programme.ID{"1", "2"})

	if err := s.Commit(ctx, snap); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	first, err := s.Load(ctx, "SE")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := s.Commit(ctx, snap); err != nil {
		t.Fatalf("re-Commit error: %v", err)
	}
	second, err := s.Load(ctx, "SE")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recommit changed state: %+v vs %+v", first, second)
	}
}

func TestSQLiteStore_AlertLogRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	entries := []AlertEntry{
		{Event: "appeared", MarketKey: "SE", ProgrammeID: "1", Detail: "new programme", Delivered: true, Info: "sent"},
		{Event: "disappeared", MarketKey: "SE", ProgrammeID: "2", Detail: "gone", Delivered: false, Info: "smtp timeout"},
		{Event: "upstream_failure", MarketKey: "DK", Detail: "auth failure", Delivered: true, Info: "operator notified"},
	}
	for _, e := range entries {
		if err := s.LogAlert(ctx, e); err != nil {
			t.Fatalf("LogAlert error: %v", err)
		}
	}

	se, err := s.RecentAlerts(ctx, "SE", 10)
	if err != nil {
		t.Fatalf("RecentAlerts error: %v", err)
	}
	if len(se) != 2 {
		t.Fatalf("expected 2 SE entries, got %d", len(se))
	}
	all, err := s.RecentAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentAlerts error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
}

func TestSQLiteStore_ErrorsAreStorageErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Commit(context.Background(), programme.Snapshot{}); err == nil {
		t.Fatal("expected error for snapshot without market key")
	} else {
		var storageErr *StorageError
		if !errors.As(err, &storageErr) {
			t.Fatalf("expected *StorageError, got %T: %v", err, err)
		}
	}
}
