package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	bookkeepingTimeout    = 10 * time.Second
)

var processableStatuses = []domain.OrderStatus{
	domain.OrderStatusReceived,
	domain.OrderStatusRetryScheduled,
	domain.OrderStatusProcessing,
}

// OrderProcessor runs one attempt of the order state machine per job.
type OrderProcessor struct {
	orders         port.OrderRepository
	inventory      port.InventoryLedger
	audit          port.AuditLog
	queue          port.TaskQueue
	scheduler      *RetryScheduler
	logger         *zap.Logger
	tracer         trace.Tracer
	attemptTimeout time.Duration
	now            func() time.Time
}

func NewOrderProcessor(
	orders port.OrderRepository,
	inventory port.InventoryLedger,
	audit port.AuditLog,
	queue port.TaskQueue,
	scheduler *RetryScheduler,
	attemptTimeout time.Duration,
	logger *zap.Logger,
) *OrderProcessor {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	return &OrderProcessor{
		orders:         orders,
		inventory:      inventory,
		audit:          audit,
		queue:          queue,
		scheduler:      scheduler,
		logger:         logger,
		tracer:         otel.Tracer("github.com/rl1809/order-fulfillment/internal/core/service"),
		attemptTimeout: attemptTimeout,
		now:            time.Now,
	}
}

// Process handles a leased job. The job is acked once its outcome is
// recorded; if recording fails the job is left leased so the queue redelivers
// it after the visibility timeout.
func (p *OrderProcessor) Process(ctx context.Context, job domain.Job) {
	ctx, span := p.tracer.Start(ctx, "order.process", trace.WithAttributes(
		attribute.Int64("order.id", job.OrderID),
		attribute.Int("order.attempt", job.Attempt),
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	log := p.logger.With(
		zap.Int64("order_id", job.OrderID),
		zap.Int("attempt", job.Attempt),
		zap.String("job_id", job.ID),
	)
	start := p.now()

	order, err := p.orders.GetOrder(ctx, job.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		log.Error("job references unknown order, discarding")
		p.ack(ctx, job, log)
		return
	}
	if err != nil {
		p.fail(ctx, job, nil, start, fmt.Errorf("load order: %w", err), log)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	log = log.With(zap.String("external_order_id", order.ExternalID))

	if order.Status.IsTerminal() {
		log.Info("order already terminal, discarding redelivered job", zap.String("status", string(order.Status)))
		p.ack(ctx, job, log)
		return
	}

	started, err := p.start(ctx, job, order)
	if err != nil {
		p.fail(ctx, job, order, start, err, log)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if !started {
		p.skip(ctx, job, order, log)
		return
	}

	deducted := false
	if err := p.deduct(ctx, order); err != nil {
		if !errors.Is(err, domain.ErrDeductionApplied) {
			p.fail(ctx, job, order, start, err, log)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		log.Warn("stock already deducted by an earlier delivery")
		deducted = true
	}

	p.succeed(ctx, job, order, start, deducted, log)
	span.SetStatus(codes.Ok, "order fulfilled")
}

// start moves the order to PROCESSING and records the attempt. A waiting
// order only starts the attempt after its last recorded one; a PROCESSING
// order only takes a redelivery of its current attempt. Anything older is
// fenced out.
func (p *OrderProcessor) start(ctx context.Context, job domain.Job, order *domain.Order) (bool, error) {
	now := p.now().UTC()
	previous, current := job.Attempt-1, job.Attempt
	ok, err := p.orders.TransitionStatus(ctx, domain.Transition{
		OrderID:        order.ID,
		From:           []domain.OrderStatus{domain.OrderStatusReceived, domain.OrderStatusRetryScheduled},
		To:             domain.OrderStatusProcessing,
		Attempts:       job.Attempt,
		ErrorMessage:   order.ErrorMessage,
		At:             now,
		AttemptsAtMost: &previous,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		ok, err = p.orders.TransitionStatus(ctx, domain.Transition{
			OrderID:        order.ID,
			From:           []domain.OrderStatus{domain.OrderStatusProcessing},
			To:             domain.OrderStatusProcessing,
			Attempts:       job.Attempt,
			ErrorMessage:   order.ErrorMessage,
			At:             now,
			AttemptsAtMost: &current,
		})
		if err != nil || !ok {
			return false, err
		}
	}
	order.Status = domain.OrderStatusProcessing
	order.Attempts = job.Attempt

	_, err = p.audit.Append(ctx, domain.SyncLogEntry{
		OrderID:   &order.ID,
		TaskName:  domain.TaskProcessOrder,
		Attempt:   job.Attempt,
		Outcome:   domain.OutcomeAttemptStarted,
		Detail:    fmt.Sprintf("processing order %s attempt %d", order.ExternalID, job.Attempt),
		CreatedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("append attempt entry: %w", err)
	}
	return true, nil
}

// skip settles a job that could not start. When the order is waiting on the
// job's own attempt, the failure was recorded but the next attempt may never
// have been queued, so it is queued again. Other jobs are stale.
func (p *OrderProcessor) skip(ctx context.Context, job domain.Job, order *domain.Order, log *zap.Logger) {
	decision := p.scheduler.Schedule(job.Attempt)
	if order.Status != domain.OrderStatusRetryScheduled || order.Attempts != job.Attempt || decision.Exhausted {
		log.Info("stale job, discarding",
			zap.String("status", string(order.Status)),
			zap.Int("order_attempts", order.Attempts),
		)
		p.ack(ctx, job, log)
		return
	}

	next := domain.NewJob(order.ID, job.Attempt+1)
	if err := p.queue.Enqueue(ctx, next, p.now().Add(decision.Delay)); err != nil {
		log.Error("enqueue retry failed, leaving job for redelivery", zap.Error(err))
		return
	}
	log.Info("retry already recorded, next attempt queued", zap.Int("next_attempt", next.Attempt))
	p.ack(ctx, job, log)
}

// deduct runs the inventory transaction under the attempt timeout and turns
// panics into errors so they count as a failed attempt.
func (p *OrderProcessor) deduct(ctx context.Context, order *domain.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected fault: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	return p.inventory.ReserveAndDeduct(ctx, order.ID, order.Lines)
}

// succeed records the success and marks the order SUCCEEDED. When the
// deduction came from an earlier delivery its success entry may already
// exist, and is not written twice.
func (p *OrderProcessor) succeed(ctx context.Context, job domain.Job, order *domain.Order, start time.Time, deducted bool, log *zap.Logger) {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	now := p.now().UTC()
	recorded := false
	if deducted {
		entries, err := p.audit.Query(ctx, domain.SyncLogFilter{
			OrderID:  &order.ID,
			Outcomes: []domain.Outcome{domain.OutcomeSuccess},
			Limit:    1,
		})
		if err != nil {
			log.Error("lookup success entry failed, leaving job for redelivery", zap.Error(err))
			return
		}
		recorded = len(entries) > 0
	}

	if !recorded {
		if _, err := p.audit.Append(ctx, domain.SyncLogEntry{
			OrderID:    &order.ID,
			TaskName:   domain.TaskProcessOrder,
			Attempt:    job.Attempt,
			Outcome:    domain.OutcomeSuccess,
			Detail:     fmt.Sprintf("order %s processed, %d lines fulfilled", order.ExternalID, len(order.Lines)),
			DurationMs: now.Sub(start).Milliseconds(),
			CreatedAt:  now,
		}); err != nil {
			log.Error("append success entry failed, leaving job for redelivery", zap.Error(err))
			return
		}
	}

	ok, err := p.orders.TransitionStatus(ctx, domain.Transition{
		OrderID:  order.ID,
		From:     []domain.OrderStatus{domain.OrderStatusProcessing},
		To:       domain.OrderStatusSucceeded,
		Attempts: job.Attempt,
		At:       now,
	})
	if err != nil {
		log.Error("mark succeeded failed, leaving job for redelivery", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("order left PROCESSING before it could be marked succeeded")
	}

	log.Info("order completed", zap.Int64("duration_ms", now.Sub(start).Milliseconds()))
	p.ack(ctx, job, log)
}

// fail records a failed attempt and either schedules the next one or marks
// the order FAILED_PERMANENT. order is nil when it could not be loaded.
func (p *OrderProcessor) fail(ctx context.Context, job domain.Job, order *domain.Order, start time.Time, cause error, log *zap.Logger) {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	now := p.now().UTC()
	orderID := job.OrderID
	attempt := job.Attempt
	decision := p.scheduler.Schedule(job.Attempt)
	entry := domain.SyncLogEntry{
		OrderID:     &orderID,
		TaskName:    domain.TaskProcessOrder,
		Attempt:     job.Attempt,
		ErrorDetail: cause.Error(),
		DurationMs:  now.Sub(start).Milliseconds(),
		CreatedAt:   now,
	}
	var shortage *domain.StockShortageError
	if errors.As(cause, &shortage) {
		entry.ProductID = shortage.ProductID
	}

	if !decision.Exhausted {
		entry.Outcome = domain.OutcomeRetryScheduled
		entry.Detail = fmt.Sprintf("attempt %d failed, retry in %s", job.Attempt, decision.Delay)
		if _, err := p.audit.Append(ctx, entry); err != nil {
			log.Error("append retry entry failed, leaving job for redelivery", zap.Error(err), zap.NamedError("cause", cause))
			return
		}

		ok, err := p.orders.TransitionStatus(ctx, domain.Transition{
			OrderID:        orderID,
			From:           processableStatuses,
			To:             domain.OrderStatusRetryScheduled,
			Attempts:       job.Attempt,
			ErrorMessage:   cause.Error(),
			At:             now,
			AttemptsAtMost: &attempt,
		})
		if err != nil {
			log.Error("mark retry scheduled failed, leaving job for redelivery", zap.Error(err))
			return
		}
		if !ok {
			log.Warn("order moved on concurrently, not rescheduling")
			p.ack(ctx, job, log)
			return
		}

		next := domain.NewJob(orderID, job.Attempt+1)
		if err := p.queue.Enqueue(ctx, next, now.Add(decision.Delay)); err != nil {
			log.Error("enqueue retry failed, leaving job for redelivery", zap.Error(err))
			return
		}

		log.Warn("order attempt failed, retry scheduled",
			zap.Error(cause),
			zap.Duration("delay", decision.Delay),
			zap.Int("next_attempt", next.Attempt),
		)
		p.ack(ctx, job, log)
		return
	}

	entry.Outcome = domain.OutcomeFailure
	entry.Detail = fmt.Sprintf("attempt %d failed", job.Attempt)
	if _, err := p.audit.Append(ctx, entry); err != nil {
		log.Error("append failure entry failed, leaving job for redelivery", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	ok, err := p.orders.TransitionStatus(ctx, domain.Transition{
		OrderID:        orderID,
		From:           processableStatuses,
		To:             domain.OrderStatusFailedPermanent,
		Attempts:       job.Attempt,
		ErrorMessage:   cause.Error(),
		At:             now,
		AttemptsAtMost: &attempt,
	})
	if err != nil {
		log.Error("mark failed permanent failed, leaving job for redelivery", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("order moved on concurrently")
		p.ack(ctx, job, log)
		return
	}

	externalID := ""
	if order != nil {
		externalID = order.ExternalID
	}
	if _, err := p.audit.Append(ctx, domain.SyncLogEntry{
		OrderID:     &orderID,
		TaskName:    domain.TaskProcessOrder,
		Attempt:     job.Attempt,
		Outcome:     domain.OutcomeFailedPermanent,
		Detail:      fmt.Sprintf("order %s failed permanently after %d attempts", externalID, job.Attempt),
		ErrorDetail: fmt.Errorf("%w: %w", domain.ErrAttemptsExhausted, cause).Error(),
		CreatedAt:   now,
	}); err != nil {
		log.Error("append terminal entry failed, leaving job for redelivery", zap.Error(err))
		return
	}

	log.Error("order failed permanently", zap.Error(cause))
	p.ack(ctx, job, log)
}

func (p *OrderProcessor) ack(ctx context.Context, job domain.Job, log *zap.Logger) {
	if err := p.queue.Ack(ctx, job); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

// bookkeepingContext detaches from the caller's cancellation so a shutdown
// cannot interrupt recording an outcome halfway.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
