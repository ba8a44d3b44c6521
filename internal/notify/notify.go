// Package notify defines the alert delivery contract.
package notify

import (
	"context"
	"fmt"
)

// Message is one alert email. Body is HTML.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Notifier delivers a single alert message. Implementations must tolerate
// being called repeatedly for the same logical message; the transport gives
// no exactly-once guarantee.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// NotifyError wraps any delivery failure.
type NotifyError struct {
	Err error
}

func (e *NotifyError) Error() string { return fmt.Sprintf("notify: %v", e.Err) }

func (e *NotifyError) Unwrap() error { return e.Err }
