// Package dispatch turns detected programme changes into alert deliveries
// with bounded retries, and carries the operator notification channel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"affwatch/internal/notify"
	"affwatch/internal/programme"
	"affwatch/internal/retry"
	"affwatch/internal/store"

	"github.com/yuin/goldmark"
)

// Config holds the delivery policy.
type Config struct {
	From               string
	Recipients         []string
	OperatorRecipients []string
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffFactor      float64
	BackoffMax         time.Duration
	OperatorCooldown   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.OperatorCooldown <= 0 {
		c.OperatorCooldown = time.Hour
	}
	if len(c.OperatorRecipients) == 0 {
		c.OperatorRecipients = c.Recipients
	}
}

// Dispatcher delivers one alert per change. A change is attempted exactly
// once per Dispatch call; retries happen inside that attempt window and never
// leak across cycles.
type Dispatcher struct {
	config    Config
	notifier  notify.Notifier
	log       store.AlertLog
	rule      *Rule
	converter goldmark.Markdown
	logger    *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastSent map[string]time.Time // operator cooldown per market
}

func New(config Config, notifier notify.Notifier, log store.AlertLog, rule *Rule, logger *slog.Logger) (*Dispatcher, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if len(config.Recipients) == 0 {
		return nil, fmt.Errorf("at least one alert recipient is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	return &Dispatcher{
		config:    config,
		notifier:  notifier,
		log:       log,
		rule:      rule,
		converter: newMarkdownConverter(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		lastSent:  map[string]time.Time{},
	}, nil
}

// Dispatch delivers alerts for the given changes and returns one record per
// change, each in a terminal status. Failed deliveries never abort the rest
// of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, changes []programme.Change) []programme.DeliveryRecord {
	records := make([]programme.DeliveryRecord, 0, len(changes))
	for _, change := range changes {
		records = append(records, d.deliver(ctx, change))
	}

	delivered, failed := 0, 0
	for _, record := range records {
		switch record.Status {
		case programme.StatusDelivered:
			delivered++
		case programme.StatusFailed:
			failed++
		}
	}
	if failed > 0 {
		d.logger.Warn("dispatch degraded",
			"delivered", delivered,
			"failed", failed,
			"total", len(records),
		)
	}
	return records
}

// Degraded reports whether the record set contains any failed delivery.
func Degraded(records []programme.DeliveryRecord) bool {
	for _, record := range records {
		if record.Status == programme.StatusFailed {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, change programme.Change) programme.DeliveryRecord {
	record := programme.DeliveryRecord{Change: change, Status: programme.StatusPending}

	matched, err := d.rule.Match(change)
	if err != nil {
		// A broken rule must not silence alerts; deliver and surface the error.
		d.logger.Error("alert rule failed, delivering anyway", "error", err)
		matched = true
	}
	if !matched {
		record.Status = programme.StatusDelivered
		record.LastAttemptAt = d.now()
		d.logOutcome(ctx, change, record, "suppressed by alert rule")
		return record
	}

	body, err := d.changeBody(change)
	if err != nil {
		record.Status = programme.StatusFailed
		record.LastAttemptAt = d.now()
		d.logger.Error("compose alert failed", "error", err, "programme_id", change.ProgrammeID)
		d.logOutcome(ctx, change, record, err.Error())
		return record
	}
	message := notify.Message{
		From:    d.config.From,
		To:      d.config.Recipients,
		Subject: changeSubject(change),
		Body:    body,
	}

	err = retry.Do(ctx, retry.Config{
		Attempts:  d.config.MaxAttempts,
		BaseDelay: d.config.BackoffBase,
		Factor:    d.config.BackoffFactor,
		MaxDelay:  d.config.BackoffMax,
		Sleep:     d.sleep,
	}, func() error {
		record.Attempts++
		record.LastAttemptAt = d.now()
		return d.notifier.Send(ctx, message)
	})
	if err != nil {
		record.Status = programme.StatusFailed
		d.logger.Error("alert delivery failed",
			"programme_id", change.ProgrammeID,
			"market", change.MarketKey,
			"kind", change.Kind,
			"attempts", record.Attempts,
			"error", err,
		)
		d.logOutcome(ctx, change, record, err.Error())
		return record
	}

	record.Status = programme.StatusDelivered
	d.logger.Info("alert delivered",
		"programme_id", change.ProgrammeID,
		"market", change.MarketKey,
		"kind", change.Kind,
		"attempts", record.Attempts,
	)
	d.logOutcome(ctx, change, record, "sent")
	return record
}

// OperatorAlert notifies the operator channel about a non-change condition
// (persistent upstream failure, exhausted retries). Alerts for the same
// market are throttled by the configured cooldown.
func (d *Dispatcher) OperatorAlert(ctx context.Context, marketKey, subject, detail string) {
	if !d.cooldownElapsed(marketKey) {
		d.logger.Debug("operator alert suppressed by cooldown", "market", marketKey, "subject", subject)
		return
	}

	body, err := d.operatorBody(subject, detail)
	if err != nil {
		d.logger.Error("compose operator alert failed", "error", err)
		return
	}
	err = d.notifier.Send(ctx, notify.Message{
		From:    d.config.From,
		To:      d.config.OperatorRecipients,
		Subject: "[affwatch] " + subject,
		Body:    body,
	})
	delivered := err == nil
	if err != nil {
		d.logger.Error("operator alert delivery failed", "market", marketKey, "error", err)
	}
	if d.log != nil {
		logErr := d.log.LogAlert(ctx, store.AlertEntry{
			Timestamp: d.now(),
			Event:     "operator",
			MarketKey: marketKey,
			Detail:    subject,
			Delivered: delivered,
			Info:      detail,
		})
		if logErr != nil {
			d.logger.Error("write alert log failed", "error", logErr)
		}
	}
}

func (d *Dispatcher) cooldownElapsed(marketKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastSent[marketKey]; ok && now.Sub(last) < d.config.OperatorCooldown {
		return false
	}
	d.lastSent[marketKey] = now
	return true
}

func (d *Dispatcher) logOutcome(ctx context.Context, change programme.Change, record programme.DeliveryRecord, info string) {
	if d.log == nil {
		return
	}
	err := d.log.LogAlert(ctx, store.AlertEntry{
		Timestamp:   record.LastAttemptAt,
		Event:       string(change.Kind),
		MarketKey:   change.MarketKey,
		ProgrammeID: change.ProgrammeID,
		Detail:      fmt.Sprintf("attempts=%d", record.Attempts),
		Delivered:   record.Status == programme.StatusDelivered,
		Info:        info,
	})
	if err != nil {
		// The alert log is an audit trail; losing a row must not fail dispatch.
		d.logger.Error("write alert log failed", "error", err)
	}
}
