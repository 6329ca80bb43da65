package domain

import "time"

type OrderStatus string

const (
	OrderStatusReceived        OrderStatus = "received"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusSucceeded       OrderStatus = "succeeded"
	OrderStatusRetryScheduled  OrderStatus = "retry_scheduled"
	OrderStatusFailedPermanent OrderStatus = "failed_permanent"
)

var OrderStatuses = []OrderStatus{
	OrderStatusReceived,
	OrderStatusProcessing,
	OrderStatusSucceeded,
	OrderStatusRetryScheduled,
	OrderStatusFailedPermanent,
}

// IsTerminal reports whether no automatic transition leaves this status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSucceeded || s == OrderStatusFailedPermanent
}

func (s OrderStatus) Valid() bool {
	for _, v := range OrderStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Order struct {
	ID           int64
	ExternalID   string
	Lines        []OrderLine
	Status       OrderStatus
	Attempts     int
	ErrorMessage string
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
	UpdatedAt    time.Time
}

type OrderLine struct {
	ProductID string
	Quantity  int
}

// Transition describes a compare-and-set status change on one order.
type Transition struct {
	OrderID      int64
	From         []OrderStatus
	To           OrderStatus
	Attempts     int
	ErrorMessage string
	At           time.Time

	// AttemptsAtMost, when set, also requires the stored attempt count to
	// be no greater than it
	AttemptsAtMost *int
}

// OrderFilter selects a page of orders, newest first.
type OrderFilter struct {
	Status OrderStatus
	Limit  int
	Offset int
}
