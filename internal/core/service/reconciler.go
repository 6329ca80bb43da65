package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const reconcileBatch = 500

// Reconciler re-enqueues orders that were persisted but never queued, e.g.
// after an enqueue failure at intake or a crash between the two steps. An
// order whose job is still held by the queue is only backlogged and is left
// alone.
type Reconciler struct {
	orders   port.OrderRepository
	queue    port.TaskQueue
	staleFor time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(orders port.OrderRepository, queue port.TaskQueue, staleFor time.Duration, logger *zap.Logger) *Reconciler {
	if staleFor <= 0 {
		staleFor = time.Minute
	}
	return &Reconciler{
		orders:   orders,
		queue:    queue,
		staleFor: staleFor,
		logger:   logger,
		now:      time.Now,
	}
}

// Run reconciles once per staleFor period until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	tick := time.NewTicker(r.staleFor)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("reconcile failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("re-enqueued stale orders", zap.Int("count", n))
			}
		}
	}
}

// RunOnce returns how many orders were re-enqueued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stale, err := r.orders.ListStale(ctx, domain.OrderStatusReceived, now.Add(-r.staleFor), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}

	requeued := 0
	for _, order := range stale {
		job := domain.NewJob(order.ID, order.Attempts+1)
		held, err := r.queue.Contains(ctx, job.ID)
		if err != nil {
			return requeued, fmt.Errorf("lookup job for order %d: %w", order.ID, err)
		}
		if held {
			continue
		}

		// touching updated_at keeps the next pass from picking it up again
		ok, err := r.orders.TransitionStatus(ctx, domain.Transition{
			OrderID:      order.ID,
			From:         []domain.OrderStatus{domain.OrderStatusReceived},
			To:           domain.OrderStatusReceived,
			Attempts:     order.Attempts,
			ErrorMessage: order.ErrorMessage,
			At:           now,
		})
		if err != nil {
			return requeued, fmt.Errorf("touch order %d: %w", order.ID, err)
		}
		if !ok {
			continue
		}

		if err := r.queue.Enqueue(ctx, job, now); err != nil {
			return requeued, fmt.Errorf("enqueue order %d: %w", order.ID, err)
		}
		requeued++
	}
	return requeued, nil
}
