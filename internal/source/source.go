// Package source defines the upstream affiliate network contract the poller
// depends on.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affwatch/internal/programme"
)

// Source fetches the current set of active programmes for a market.
type Source interface {
	FetchActive(ctx context.Context, marketKey string) (programme.Snapshot, error)
}

// EarningsQuery selects a commission report window.
type EarningsQuery struct {
	MarketKey string
	Start     time.Time
	End       time.Time
}

// EarningsRow is one advertiser row of the upstream commission report.
type EarningsRow struct {
	AdvertiserID  programme.ID
	Currency      string
	TotalComm     float64
	ConfirmedComm float64
	PendingComm   float64
}

// EarningsSource is the stateless read path behind the report mode.
type EarningsSource interface {
	FetchEarnings(ctx context.Context, query EarningsQuery) ([]EarningsRow, error)
}

// UpstreamError classifies upstream failures. Transient failures (timeouts,
// 5xx, throttling) are recovered by the next scheduled tick; permanent ones
// (auth, schema mismatch) go to the operator channel.
type UpstreamError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("upstream %s (%s): %v", e.Op, class, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether err is a transient upstream error.
func Transient(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Transient
}
