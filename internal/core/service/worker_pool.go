package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const defaultPollInterval = 250 * time.Millisecond

// JobHandler processes one leased job and owns its ack.
type JobHandler interface {
	Process(ctx context.Context, job domain.Job)
}

// WorkerPool pulls jobs from the task queue with a fixed number of workers.
type WorkerPool struct {
	queue        port.TaskQueue
	handler      JobHandler
	workers      int
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewWorkerPool(queue port.TaskQueue, handler JobHandler, workers int, pollInterval time.Duration, logger *zap.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &WorkerPool{
		queue:        queue,
		handler:      handler,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// current job.
func (p *WorkerPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	p.logger.Info("started workers", zap.Int("count", p.workers))

	wg.Wait()
	p.logger.Info("workers stopped")
	return nil
}

func (p *WorkerPool) workerLoop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("dequeue failed", zap.Error(err))
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.handle(ctx, *job, log)
	}
}

// handle keeps a panicking handler from taking the worker down; the job stays
// leased and is redelivered.
func (p *WorkerPool) handle(ctx context.Context, job domain.Job, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("CRITICAL job handler panicked",
				zap.Any("panic", r),
				zap.String("job_id", job.ID),
				zap.Int64("order_id", job.OrderID),
			)
		}
	}()
	p.handler.Process(ctx, job)
}

func (p *WorkerPool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
