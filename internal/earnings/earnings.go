// Package earnings aggregates upstream commission rows into the report
// figures: confirmed, pending, and total in the preferred currency.
package earnings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"affwatch/internal/fx"
	"affwatch/internal/source"
)

const defaultCurrency = "EUR"

// Summary is the aggregate for one market and window.
type Summary struct {
	MarketKey      string
	Start          time.Time
	End            time.Time
	Total          float64
	Confirmed      float64
	Pending        float64
	Currency       string
	SourceCurrency string
	FXRate         float64
	Rows           int
}

// Aggregate sums the rows and converts into targetCurrency. The source
// currency is probed from the first rows that carry one, defaulting to EUR
// like the upstream report does.
func Aggregate(ctx context.Context, rows []source.EarningsRow, targetCurrency string, rates fx.RateLookup) Summary {
	target := strings.ToUpper(strings.TrimSpace(targetCurrency))
	if target == "" {
		target = defaultCurrency
	}

	src := defaultCurrency
	for i, row := range rows {
		if i >= 3 {
			break
		}
		if c := strings.ToUpper(strings.TrimSpace(row.Currency)); c != "" {
			src = c
			break
		}
	}

	var total, confirmed, pending float64
	for _, row := range rows {
		total += row.TotalComm
		confirmed += row.ConfirmedComm
		pending += row.PendingComm
	}
	if total == 0 && (confirmed != 0 || pending != 0) {
		total = confirmed + pending
	}

	rate := 1.0
	if rates != nil {
		rate = rates.Rate(ctx, src, target)
	}
	return Summary{
		Total:          total * rate,
		Confirmed:      confirmed * rate,
		Pending:        pending * rate,
		Currency:       target,
		SourceCurrency: src,
		FXRate:         rate,
		Rows:           len(rows),
	}
}

// Report fetches and aggregates the earnings window for one market.
func Report(ctx context.Context, src source.EarningsSource, rates fx.RateLookup, marketKey, currency string, daysBack int) (Summary, error) {
	if daysBack <= 0 {
		daysBack = 5
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -daysBack)

	rows, err := src.FetchEarnings(ctx, source.EarningsQuery{MarketKey: marketKey, Start: start, End: end})
	if err != nil {
		return Summary{}, fmt.Errorf("fetch earnings for %s: %w", marketKey, err)
	}
	summary := Aggregate(ctx, rows, currency, rates)
	summary.MarketKey = marketKey
	summary.Start = start
	summary.End = end
	return summary, nil
}

// Format renders the summary as the plain text the report mode prints.
func (s Summary) Format() string {
	return fmt.Sprintf(
		"%s %s..%s  total=%.2f %s  confirmed=%.2f  pending=%.2f  (rows=%d, %s->%s rate=%.4f)",
		s.MarketKey,
		s.Start.Format("2006-01-02"),
		s.End.Format("2006-01-02"),
		s.Total, s.Currency,
		s.Confirmed,
		s.Pending,
		s.Rows,
		s.SourceCurrency, s.Currency, s.FXRate,
	)
}
