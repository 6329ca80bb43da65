package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const maxExternalIDLength = 100

type IntakeStatus string

const (
	IntakeAccepted  IntakeStatus = "accepted"
	IntakeDuplicate IntakeStatus = "duplicate"
)

// OrderRequest is a normalized inbound order.
type OrderRequest struct {
	ExternalID string
	Lines      []domain.OrderLine
}

type IntakeResult struct {
	Status  IntakeStatus
	OrderID int64
	Queued  bool
}

// OrderService is the ingress gatekeeper and the operator retry entry point.
type OrderService struct {
	ledger port.IdempotencyLedger
	orders port.OrderRepository
	audit  port.AuditLog
	queue  port.TaskQueue
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewOrderService(ledger port.IdempotencyLedger, orders port.OrderRepository, audit port.AuditLog, queue port.TaskQueue, logger *zap.Logger) *OrderService {
	return &OrderService{
		ledger: ledger,
		orders: orders,
		audit:  audit,
		queue:  queue,
		logger: logger,
		tracer: otel.Tracer("github.com/rl1809/order-fulfillment/internal/core/service"),
		now:    time.Now,
	}
}

// Accept validates req, claims its external id and queues the first attempt.
// A repeated external id yields IntakeDuplicate with a nil error. A lost claim
// is only a hint: the order table decides, so a claim left behind by a failed
// release or a crash cannot swallow the order.
func (s *OrderService) Accept(ctx context.Context, req OrderRequest) (IntakeResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.accept")
	defer span.End()

	norm, err := NormalizeOrderRequest(req)
	if err != nil {
		return IntakeResult{}, err
	}
	span.SetAttributes(attribute.String("order.external_id", norm.ExternalID))
	log := s.logger.With(zap.String("external_order_id", norm.ExternalID))

	claimed, err := s.ledger.Claim(ctx, norm.ExternalID)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("idempotency check failed: %w", errors.Join(domain.ErrTransientStorage, err))
	}
	if !claimed {
		existing, err := s.orders.GetOrderByExternalID(ctx, norm.ExternalID)
		switch {
		case err == nil:
			log.Info("duplicate order delivery", zap.Int64("order_id", existing.ID))
			return IntakeResult{Status: IntakeDuplicate, OrderID: existing.ID}, nil
		case !errors.Is(err, domain.ErrOrderNotFound):
			return IntakeResult{}, fmt.Errorf("lookup order: %w", errors.Join(domain.ErrTransientStorage, err))
		}
		// claimed earlier but never persisted; the unique key settles races
		log.Warn("idempotency key held without an order, persisting")
	}

	now := s.now().UTC()
	order := &domain.Order{
		ExternalID: norm.ExternalID,
		Lines:      norm.Lines,
		Status:     domain.OrderStatusReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			log.Info("duplicate order delivery", zap.String("source", "orders"))
			return IntakeResult{Status: IntakeDuplicate}, nil
		}
		if claimed {
			if releaseErr := s.ledger.Release(ctx, norm.ExternalID); releaseErr != nil {
				log.Error("idempotency release failed, redelivery falls back to the order table", zap.Error(releaseErr))
			}
		}
		return IntakeResult{}, fmt.Errorf("persist order: %w", err)
	}

	result := IntakeResult{Status: IntakeAccepted, OrderID: order.ID}
	job := domain.NewJob(order.ID, 1)
	if err := s.queue.Enqueue(ctx, job, now); err != nil {
		// the order is durable; the reconciler picks up stale RECEIVED orders
		log.Warn("enqueue failed, order left for reconciliation", zap.Int64("order_id", order.ID), zap.Error(err))
		return result, nil
	}
	result.Queued = true

	log.Info("order accepted", zap.Int64("order_id", order.ID), zap.Int("lines", len(order.Lines)))
	return result, nil
}

// Retry re-enters a FAILED_PERMANENT order with a reset attempt counter.
func (s *OrderService) Retry(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusFailedPermanent {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, domain.ErrOrderNotRetryable)
	}

	now := s.now().UTC()
	ok, err := s.orders.TransitionStatus(ctx, domain.Transition{
		OrderID: orderID,
		From:    []domain.OrderStatus{domain.OrderStatusFailedPermanent},
		To:      domain.OrderStatusRetryScheduled,
		At:      now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, domain.ErrOrderNotRetryable)
	}

	if _, err := s.audit.Append(ctx, domain.SyncLogEntry{
		OrderID:   &orderID,
		TaskName:  domain.TaskRetryOrder,
		Outcome:   domain.OutcomeManualRetry,
		Detail:    fmt.Sprintf("manual retry of order %s after %d attempts", order.ExternalID, order.Attempts),
		CreatedAt: now,
	}); err != nil {
		s.revertRetry(ctx, order, now)
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	if err := s.queue.Enqueue(ctx, domain.NewJob(orderID, 1), now); err != nil {
		s.revertRetry(ctx, order, now)
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}

	order.Status = domain.OrderStatusRetryScheduled
	order.Attempts = 0
	order.ErrorMessage = ""
	order.UpdatedAt = now
	s.logger.Info("order re-queued by operator", zap.Int64("order_id", orderID), zap.String("external_order_id", order.ExternalID))
	return order, nil
}

func (s *OrderService) revertRetry(ctx context.Context, order *domain.Order, at time.Time) {
	_, err := s.orders.TransitionStatus(ctx, domain.Transition{
		OrderID:      order.ID,
		From:         []domain.OrderStatus{domain.OrderStatusRetryScheduled},
		To:           domain.OrderStatusFailedPermanent,
		Attempts:     order.Attempts,
		ErrorMessage: order.ErrorMessage,
		At:           at,
	})
	if err != nil {
		s.logger.Error("CRITICAL could not revert manual retry", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// NormalizeOrderRequest validates req and merges lines per product, sorted
// by product id.
func NormalizeOrderRequest(req OrderRequest) (OrderRequest, error) {
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return OrderRequest{}, &domain.ValidationError{Field: "external_order_id", Reason: "is required"}
	}
	if len(externalID) > maxExternalIDLength {
		return OrderRequest{}, &domain.ValidationError{Field: "external_order_id", Reason: fmt.Sprintf("exceeds %d characters", maxExternalIDLength)}
	}
	if len(req.Lines) == 0 {
		return OrderRequest{}, &domain.ValidationError{Field: "line_items", Reason: "must not be empty"}
	}

	totals := make(map[string]int, len(req.Lines))
	for i, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return OrderRequest{}, &domain.ValidationError{Field: fmt.Sprintf("line_items[%d].product_id", i), Reason: "is required"}
		}
		if line.Quantity <= 0 {
			return OrderRequest{}, &domain.ValidationError{Field: fmt.Sprintf("line_items[%d].quantity", i), Reason: "must be positive"}
		}
		totals[productID] += line.Quantity
	}

	lines := make([]domain.OrderLine, 0, len(totals))
	for productID, qty := range totals {
		lines = append(lines, domain.OrderLine{ProductID: productID, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	return OrderRequest{ExternalID: externalID, Lines: lines}, nil
}
