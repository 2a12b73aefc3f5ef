package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled bool

	// MinPriority is the least urgent event that still gets forwarded.
	// Priorities run 1 (urgent) to 5 (informational); the default 2 forwards
	// failures and overdue alerts but not routine successes.
	MinPriority int

	RatePerSec  int
	DedupWindow time.Duration
}

// Sender delivers one rendered alert. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time
	Text string
}
