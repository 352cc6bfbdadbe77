package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// ReceiptDispatcher sends a receipt for a completed payment at most once per
// dedupe key. Failures are logged by the implementation, never returned.
type ReceiptDispatcher interface {
	TrySend(ctx context.Context, p *models.PaymentRecord, dedupeKey string)
}

// ScheduleAdvancer encapsulates the recurrence interval policy.
type ScheduleAdvancer interface {
	NextChargeDate(last time.Time) time.Time
}

// EventPublisher publishes recurring lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.RecurringEvent) error
}

// Locker provides mutual exclusion keyed by an arbitrary string.
type Locker interface {
	// Acquire returns ErrLocked when the key is held elsewhere.
	Acquire(ctx context.Context, key string) (release func(), err error)
}
