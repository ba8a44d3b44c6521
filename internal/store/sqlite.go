package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"affwatch/internal/programme"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps per-market snapshots and the alert log in a single
// SQLite database file. Snapshot replacement happens inside one transaction,
// which gives the atomic-replace guarantee; per-market mutexes keep one
// market's commit from interleaving with its own loads without blocking
// other markets.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	markets map[string]*sync.Mutex
}

// NewSQLiteStore opens (and if needed creates) the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if err := ensureSQLiteDir(dsn); err != nil {
		return nil, storageErr("open", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, markets: map[string]*sync.Mutex{}}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Load(ctx context.Context, marketKey string) (*programme.Snapshot, error) {
	if marketKey == "" {
		return nil, storageErr("load", fmt.Errorf("market key is required"))
	}
	var observedAt time.Time
	var rawIDs string
	err := s.db.QueryRowContext(
		ctx,
		"SELECT observed_at, programmes FROM snapshots WHERE market = ?",
		marketKey,
	).Scan(&observedAt, &rawIDs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load", err)
	}
	var ids []programme.ID
	if err := json.Unmarshal([]byte(rawIDs), &ids); err != nil {
		return nil, storageErr("load", fmt.Errorf("decode programme set for %s: %w", marketKey, err))
	}
	snap := programme.NewSnapshot(marketKey, observedAt.UTC(), ids)
	return &snap, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, snapshot programme.Snapshot) error {
	if snapshot.MarketKey == "" {
		return storageErr("commit", fmt.Errorf("market key is required"))
	}
	lock := s.marketLock(snapshot.MarketKey)
	lock.Lock()
	defer lock.Unlock()

	rawIDs, err := json.Marshal(snapshot.Programmes)
	if err != nil {
		return storageErr("commit", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("commit", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO snapshots (market, observed_at, programmes) VALUES (?, ?, ?)
		 ON CONFLICT(market) DO UPDATE SET observed_at = excluded.observed_at, programmes = excluded.programmes`,
		snapshot.MarketKey,
		snapshot.ObservedAt.UTC(),
		string(rawIDs),
	)
	if err != nil {
		_ = tx.Rollback()
		return storageErr("commit", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *SQLiteStore) LogAlert(ctx context.Context, entry AlertEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO alert_log (ts, event, market, programme_id, detail, delivered, info)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC(),
		entry.Event,
		entry.MarketKey,
		string(entry.ProgrammeID),
		entry.Detail,
		boolToInt(entry.Delivered),
		entry.Info,
	)
	return storageErr("log alert", err)
}

func (s *SQLiteStore) RecentAlerts(ctx context.Context, marketKey string, limit int) ([]AlertEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT ts, event, market, programme_id, detail, delivered, info FROM alert_log"
	args := []any{}
	if marketKey != "" {
		query += " WHERE market = ?"
		args = append(args, marketKey)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("recent alerts", err)
	}
	defer rows.Close()

	var entries []AlertEntry
	for rows.Next() {
		var e AlertEntry
		var pid string
		var delivered int
		if err := rows.Scan(&e.Timestamp, &e.Event, &e.MarketKey, &pid, &e.Detail, &delivered, &e.Info); err != nil {
			return nil, storageErr("recent alerts", err)
		}
		e.ProgrammeID = programme.ID(pid)
		e.Delivered = delivered != 0
		entries = append(entries, e)
	}
	return entries, storageErr("recent alerts", rows.Err())
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) marketLock(marketKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.markets[marketKey]
	if !ok {
		lock = &sync.Mutex{}
		s.markets[marketKey] = lock
	}
	return lock
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			market TEXT PRIMARY KEY,
			observed_at TIMESTAMP NOT NULL,
			programmes TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			market TEXT NOT NULL,
			programme_id TEXT,
			detail TEXT,
			delivered INTEGER NOT NULL,
			info TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS alert_log_ts_idx ON alert_log (ts)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

func ensureSQLiteDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") {
		dsn = strings.TrimPrefix(dsn, "file:")
		if idx := strings.IndexRune(dsn, '?'); idx >= 0 {
			dsn = dsn[:idx]
		}
	}
	if dsn == "" || dsn == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
