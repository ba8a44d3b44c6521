package mock

import (
	"context"
	"sync"

	"affwatch/internal/notify"
)

// Notifier records sent messages. FailFirst makes the first N sends fail,
// which scripts the retry scenarios; Err makes every send fail.
type Notifier struct {
	mu        sync.Mutex
	Messages  []notify.Message
	FailFirst int
	Err       error

	calls int
}

func (n *Notifier) Send(ctx context.Context, message notify.Message) error {
	_ = ctx
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.Err != nil {
		return n.Err
	}
	if n.calls <= n.FailFirst {
		return &notify.NotifyError{Err: errTransient{}}
	}
	n.Messages = append(n.Messages, message)
	return nil
}

// Calls returns the total number of Send invocations, including failures.
func (n *Notifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// Sent returns a copy of successfully delivered messages.
func (n *Notifier) Sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Message, len(n.Messages))
	copy(out, n.Messages)
	return out
}

type errTransient struct{}

func (errTransient) Error() string { return "simulated smtp failure" }
