package domain

import "time"

type Outcome string

const (
	OutcomeAttemptStarted  Outcome = "attempt-started"
	OutcomeSuccess         Outcome = "success"
	OutcomeFailure         Outcome = "failure"
	OutcomeRetryScheduled  Outcome = "retry-scheduled"
	OutcomeFailedPermanent Outcome = "failed-permanent"
	OutcomeManualRetry     Outcome = "manual-retry"
	OutcomeLowStock        Outcome = "low-stock"
	OutcomeOutOfStock      Outcome = "out-of-stock"
	OutcomeScanCompleted   Outcome = "scan-completed"
	OutcomeScanFailed      Outcome = "scan-failed"
)

// AttemptOutcomes are the per-attempt results, excluding start markers.
var AttemptOutcomes = []Outcome{
	OutcomeSuccess,
	OutcomeFailure,
	OutcomeRetryScheduled,
}

const (
	TaskProcessOrder  = "process_order"
	TaskScanInventory = "scan_inventory"
	TaskRetryOrder    = "retry_order"
)

// SyncLogEntry is one append-only audit record. ID is assigned by the log.
type SyncLogEntry struct {
	ID          int64
	OrderID     *int64
	TaskName    string
	Attempt     int
	Outcome     Outcome
	ProductID   string
	Detail      string
	ErrorDetail string
	DurationMs  int64
	CreatedAt   time.Time
}

type SyncLogFilter struct {
	OrderID  *int64
	Outcomes []Outcome
	TaskName string
	// Limit caps the result; zero means the log's default of 100
	Limit int
	// Newest orders by descending sequence id
	Newest bool
}
