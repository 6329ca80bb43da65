package port

import (
	"context"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type IdempotencyLedger interface {
	// Claim atomically records externalID, returns false if it was already present
	Claim(ctx context.Context, externalID string) (bool, error)

	// Release forgets externalID (for rollback when the order could not be persisted)
	Release(ctx context.Context, externalID string) error
}

type TaskQueue interface {
	// Enqueue schedules job for delivery once visibleAt has passed; a job whose id is already queued, delayed or leased is not added again
	Enqueue(ctx context.Context, job domain.Job, visibleAt time.Time) error

	// Contains reports whether a job with jobID is queued, delayed or leased
	Contains(ctx context.Context, jobID string) (bool, error)

	// Dequeue leases the next visible job, returns nil when none became visible before ctx or the poll window ends
	Dequeue(ctx context.Context) (*domain.Job, error)

	// Ack removes a leased job permanently
	Ack(ctx context.Context, job domain.Job) error

	// Nack returns a leased job for immediate redelivery
	Nack(ctx context.Context, job domain.Job) error

	// Depth counts ready, delayed and in-flight jobs
	Depth(ctx context.Context) (int64, error)
}

type AlertSink interface {
	Publish(ctx context.Context, alerts []domain.StockAlert) error
}
