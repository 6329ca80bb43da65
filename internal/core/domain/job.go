package domain

import (
	"fmt"
	"time"
)

// Job is one queued processing attempt for one order.
type Job struct {
	ID         string    `json:"id"`
	OrderID    int64     `json:"order_id"`
	Attempt    int       `json:"attempt"`
	VisibleAt  time.Time `json:"visible_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob builds the job for one attempt. The id is derived from the order and
// attempt so a second enqueue of the same attempt collapses onto the first.
func NewJob(orderID int64, attempt int) Job {
	return Job{
		ID:      fmt.Sprintf("order-%d-attempt-%d", orderID, attempt),
		OrderID: orderID,
		Attempt: attempt,
	}
}
