package config

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the top-level structure of an affwatch.yaml file. Secrets
// (upstream token, SMTP credentials) come from the environment, not from
// the document.
type Document struct {
	Watch    Watch    `yaml:"watch"`
	Alerts   Alerts   `yaml:"alerts"`
	Upstream Upstream `yaml:"upstream,omitempty"`
	Report   Report   `yaml:"report,omitempty"`
}

// Watch configures what is polled and where state lives.
type Watch struct {
	Markets       []string `yaml:"markets"`
	Interval      Duration `yaml:"interval,omitempty"`
	StoragePath   string   `yaml:"storage_path,omitempty"`
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty"`
}

// Alerts configures alert delivery and the retry policy.
type Alerts struct {
	From             string   `yaml:"from"`
	To               []string `yaml:"to"`
	OperatorTo       []string `yaml:"operator_to,omitempty"`
	MaxAttempts      int      `yaml:"max_attempts,omitempty"`
	BackoffBase      Duration `yaml:"backoff_base,omitempty"`
	BackoffFactor    float64  `yaml:"backoff_factor,omitempty"`
	BackoffMax       Duration `yaml:"backoff_max,omitempty"`
	OperatorCooldown Duration `yaml:"operator_cooldown,omitempty"`
	// Rule is an optional expression over {id, kind, market} selecting which
	// changes alert; empty alerts on everything.
	Rule string `yaml:"rule,omitempty"`
}

// Upstream configures the affiliate network API endpoint.
type Upstream struct {
	BaseURL string   `yaml:"base_url,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Report configures the earnings report mode.
type Report struct {
	DaysBack int    `yaml:"days_back,omitempty"`
	Currency string `yaml:"currency,omitempty"`
}

// Load reads and validates a document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) applyDefaults() {
	if d.Watch.Interval.Value() <= 0 {
		d.Watch.Interval = Duration(3 * time.Hour)
	}
	if d.Watch.StoragePath == "" {
		d.Watch.StoragePath = "state.sqlite3"
	}
	if d.Watch.ShutdownGrace.Value() <= 0 {
		d.Watch.ShutdownGrace = Duration(30 * time.Second)
	}
	if d.Alerts.MaxAttempts <= 0 {
		d.Alerts.MaxAttempts = 5
	}
	if d.Alerts.BackoffBase.Value() <= 0 {
		d.Alerts.BackoffBase = Duration(2 * time.Second)
	}
	if d.Alerts.BackoffFactor < 1 {
		d.Alerts.BackoffFactor = 2
	}
	if d.Alerts.BackoffMax.Value() <= 0 {
		d.Alerts.BackoffMax = Duration(2 * time.Minute)
	}
	if d.Alerts.OperatorCooldown.Value() <= 0 {
		d.Alerts.OperatorCooldown = Duration(time.Hour)
	}
	if len(d.Alerts.OperatorTo) == 0 {
		d.Alerts.OperatorTo = d.Alerts.To
	}
	if d.Upstream.Timeout.Value() <= 0 {
		d.Upstream.Timeout = Duration(30 * time.Second)
	}
	if d.Report.DaysBack <= 0 {
		d.Report.DaysBack = 5
	}
	if d.Report.Currency == "" {
		d.Report.Currency = "EUR"
	}
}

// Validate checks the document for the mistakes that would otherwise only
// show up at the first tick.
func (d *Document) Validate() error {
	if len(d.Watch.Markets) == 0 {
		return fmt.Errorf("watch: at least one market is required")
	}
	seen := map[string]bool{}
	for _, market := range d.Watch.Markets {
		if market == "" {
			return fmt.Errorf("watch: empty market key")
		}
		if seen[market] {
			return fmt.Errorf("watch: duplicate market %q", market)
		}
		seen[market] = true
	}
	if d.Alerts.From == "" {
		return fmt.Errorf("alerts: 'from' address is required")
	}
	if _, err := mail.ParseAddress(d.Alerts.From); err != nil {
		return fmt.Errorf("alerts: invalid from address %q", d.Alerts.From)
	}
	if len(d.Alerts.To) == 0 {
		return fmt.Errorf("alerts: at least one recipient is required")
	}
	for _, to := range append(append([]string{}, d.Alerts.To...), d.Alerts.OperatorTo...) {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("alerts: invalid recipient address %q", to)
		}
	}
	return nil
}
