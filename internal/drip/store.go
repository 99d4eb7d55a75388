// Package drip schedules and delivers the lead-nurture email sequence.
package drip

import (
	"context"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
)

// Store is the durable schedule of delayed sequence steps.
// Every call goes to the backing storage; implementations keep no cache between calls.
type Store interface {
	// AddScheduledSend assigns ID and CreatedAt and persists the entry before returning.
	AddScheduledSend(ctx context.Context, send domain.ScheduledSend) (*domain.ScheduledSend, error)

	// GetDueSends returns unsent entries with FireAt <= now.
	// An empty recipient scans all recipients.
	GetDueSends(ctx context.Context, now time.Time, recipient string) ([]*domain.ScheduledSend, error)

	// MarkSent flips an entry to sent. Marking an already-sent entry is a no-op.
	MarkSent(ctx context.Context, id, recipient string, at time.Time) error

	// DeleteSend removes an entry and reports whether it existed.
	DeleteSend(ctx context.Context, id, recipient string) (bool, error)

	// ListSends returns all entries of a recipient ordered by fire time.
	ListSends(ctx context.Context, recipient string) ([]*domain.ScheduledSend, error)

	// GetQueueStats returns entry counts by state.
	GetQueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error)
}

// OptOutStore records local unsubscribes.
type OptOutStore interface {
	OptOut(ctx context.Context, email, source string) error
	IsOptedOut(ctx context.Context, email string) (bool, error)
}
