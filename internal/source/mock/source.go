package mock

import (
	"context"
	"sync"

	"affwatch/internal/programme"
	"affwatch/internal/source"
)

// Source is a scriptable fake programme source. Snapshots are returned per
// market; Err (if set) wins over snapshots.
type Source struct {
	mu        sync.Mutex
	Snapshots map[string]programme.Snapshot
	Err       error
	Calls     []string
}

func (s *Source) FetchActive(ctx context.Context, marketKey string) (programme.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, marketKey)
	if s.Err != nil {
		return programme.Snapshot{}, s.Err
	}
	snap, ok := s.Snapshots[marketKey]
	if !ok {
		return programme.Snapshot{}, &source.UpstreamError{Op: "fetch programmes", Err: errUnknownMarket(marketKey)}
	}
	return snap, nil
}

// Set replaces the snapshot served for a market.
func (s *Source) Set(snapshot programme.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Snapshots == nil {
		s.Snapshots = map[string]programme.Snapshot{}
	}
	s.Snapshots[snapshot.MarketKey] = snapshot
}

// CallCount returns how many fetches were made for the market.
func (s *Source) CallCount(marketKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range s.Calls {
		if key == marketKey {
			n++
		}
	}
	return n
}

type errUnknownMarket string

func (e errUnknownMarket) Error() string { return "no snapshot configured for market " + string(e) }
