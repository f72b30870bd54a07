package ports

import (
	"context"
	"time"

	"deployq/internal/domain"
)

// QueueTransport is a lock-based message queue. Receiving a message places a
// lease on it; a message that is not completed, abandoned or dead-lettered
// before the lease ends is delivered again with DeliveryCount incremented.
// Renew extends the lease of a message the caller still holds and fails with
// domain.ErrLockLost otherwise.
type QueueTransport interface {
	Send(ctx context.Context, body []byte, opts domain.SendOptions) error
	ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*domain.LockedMessage, error)
	Renew(ctx context.Context, msg *domain.LockedMessage) error
	Complete(ctx context.Context, msg *domain.LockedMessage) error
	Abandon(ctx context.Context, msg *domain.LockedMessage, reason string) error
	DeadLetter(ctx context.Context, msg *domain.LockedMessage, reason domain.DeadLetterReason, detail string) error
	ScheduleAt(ctx context.Context, body []byte, at time.Time, opts domain.SendOptions) error
	Close() error
}

// QueueMaintainer is implemented by transports whose lease expiry and
// scheduled delivery need a periodic sweep.
type QueueMaintainer interface {
	Maintain(ctx context.Context, now time.Time) (promoted, reclaimed int, err error)
}

// DeadLetterReader lists dead-lettered messages for operational tooling.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
}
