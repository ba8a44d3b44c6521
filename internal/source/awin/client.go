// Package awin implements the programme and earnings source against the
// AWIN publisher API.
package awin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"affwatch/internal/programme"
	"affwatch/internal/source"

	"github.com/sony/gobreaker/v2"
)

// Config holds the upstream connection settings.
type Config struct {
	BaseURL     string
	Token       string
	PublisherID string
	Timeout     time.Duration
	UserAgent   string
}

// Client calls the AWIN publisher API. All outbound requests pass through a
// circuit breaker so a dead upstream stops burning connections; recovery from
// transient failures is left to the next scheduled tick.
type Client struct {
	config  Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	now     func() time.Time
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.awin.com"
	}
	if config.Token == "" {
		return nil, fmt.Errorf("awin token is required")
	}
	if config.PublisherID == "" {
		return nil, fmt.Errorf("awin publisher id is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "awin",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: breaker,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// programmeRecord is the explicit schema for one programme entry. The id is
// reported under different keys depending on API version, oldest last.
type programmeRecord struct {
	AdvertiserID *int64 `json:"advertiserId"`
	ProgramID    *int64 `json:"programId"`
	ID           *int64 `json:"id"`
	Name         string `json:"advertiserName"`
	Status       string `json:"programmeStatus"`
}

func (r programmeRecord) programmeID() (programme.ID, bool) {
	for _, v := range []*int64{r.AdvertiserID, r.ProgramID, r.ID} {
		if v != nil {
			return programme.ID(strconv.FormatInt(*v, 10)), true
		}
	}
	return "", false
}

// programmeEnvelope accepts both payload shapes the API serves: a bare array
// or an object with a "programmes" field.
type programmeEnvelope struct {
	Programmes []programmeRecord `json:"programmes"`
}

func (c *Client) FetchActive(ctx context.Context, marketKey string) (programme.Snapshot, error) {
	if marketKey == "" {
		return programme.Snapshot{}, &source.UpstreamError{Op: "fetch programmes", Err: fmt.Errorf("market key is required")}
	}
	query := url.Values{}
	query.Set("accessToken", c.config.Token)
	query.Set("countryCode", marketKey)

	body, err := c.get(ctx, fmt.Sprintf("/publishers/%s/programmes", c.config.PublisherID), query, "fetch programmes")
	if err != nil {
		return programme.Snapshot{}, err
	}

	records, err := decodeProgrammes(body)
	if err != nil {
		return programme.Snapshot{}, &source.UpstreamError{Op: "fetch programmes", Err: err}
	}

	ids := make([]programme.ID, 0, len(records))
	for _, record := range records {
		id, ok := record.programmeID()
		if !ok {
			return programme.Snapshot{}, &source.UpstreamError{
				Op:  "fetch programmes",
				Err: fmt.Errorf("programme record for %s carries no recognizable id field", marketKey),
			}
		}
		ids = append(ids, id)
	}
	return programme.NewSnapshot(marketKey, c.now(), ids), nil
}

func decodeProgrammes(body []byte) ([]programmeRecord, error) {
	var records []programmeRecord
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}
	var envelope programmeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("programmes payload matches neither array nor envelope schema: %w", err)
	}
	if envelope.Programmes == nil {
		return nil, fmt.Errorf("programmes payload is missing the programmes field")
	}
	return envelope.Programmes, nil
}

// earningsRow is the explicit schema for the advertiser performance report.
type earningsRow struct {
	AdvertiserID  *int64      `json:"advertiserId"`
	Currency      string      `json:"currency"`
	TotalComm     json.Number `json:"totalComm"`
	ConfirmedComm json.Number `json:"confirmedComm"`
	PendingComm   json.Number `json:"pendingComm"`
}

type earningsEnvelope struct {
	Rows []earningsRow `json:"rows"`
}

func (c *Client) FetchEarnings(ctx context.Context, q source.EarningsQuery) ([]source.EarningsRow, error) {
	query := url.Values{}
	query.Set("accessToken", c.config.Token)
	query.Set("startDate", q.Start.Format("2006-01-02"))
	query.Set("endDate", q.End.Format("2006-01-02"))
	query.Set("timezone", "UTC")
	if q.MarketKey != "" {
		query.Set("region", q.MarketKey)
	}

	body, err := c.get(ctx, fmt.Sprintf("/publishers/%s/reports/advertiser", c.config.PublisherID), query, "fetch earnings")
	if err != nil {
		return nil, err
	}

	var rows []earningsRow
	if err := json.Unmarshal(body, &rows); err != nil {
		var envelope earningsEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Rows == nil {
			return nil, &source.UpstreamError{Op: "fetch earnings", Err: fmt.Errorf("unrecognized earnings payload schema")}
		}
		rows = envelope.Rows
	}

	out := make([]source.EarningsRow, 0, len(rows))
	for _, row := range rows {
		converted := source.EarningsRow{
			Currency:      row.Currency,
			TotalComm:     numToFloat(row.TotalComm),
			ConfirmedComm: numToFloat(row.ConfirmedComm),
			PendingComm:   numToFloat(row.PendingComm),
		}
		if row.AdvertiserID != nil {
			converted.AdvertiserID = programme.ID(strconv.FormatInt(*row.AdvertiserID, 10))
		}
		if converted.TotalComm == 0 && (converted.ConfirmedComm != 0 || converted.PendingComm != 0) {
			converted.TotalComm = converted.ConfirmedComm + converted.PendingComm
		}
		out = append(out, converted)
	}
	return out, nil
}

// numToFloat coerces a report figure; missing or malformed values count as 0.
func numToFloat(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (c *Client) get(ctx context.Context, path string, query url.Values, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, &source.UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%s: %s", resp.Status, string(body))
		}
		return resp, nil
	})
	if err != nil {
		transient := true
		if errors.Is(err, context.Canceled) {
			transient = false
		}
		return nil, &source.UpstreamError{Op: op, Transient: transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &source.UpstreamError{Op: op, Err: fmt.Errorf("authentication rejected: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &source.UpstreamError{Op: op, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.UpstreamError{Op: op, Transient: true, Err: err}
	}
	return body, nil
}
