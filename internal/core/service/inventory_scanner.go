package service

import (
	"context"
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

const defaultScanInterval = 5 * time.Minute

// ScanReport summarizes one scan cycle.
type ScanReport struct {
	Low        int
	Out        int
	Alerts     []domain.StockAlert
	DurationMs int64
}

// InventoryScanner periodically flags low and out-of-stock items. Each cycle
// is independent; a failed cycle does not affect the next one.
type InventoryScanner struct {
	inventory port.InventoryLedger
	audit     port.AuditLog
	sink      port.AlertSink
	interval  time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewInventoryScanner(inventory port.InventoryLedger, audit port.AuditLog, sink port.AlertSink, interval time.Duration, logger *zap.Logger) *InventoryScanner {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &InventoryScanner{
		inventory: inventory,
		audit:     audit,
		sink:      sink,
		interval:  interval,
		logger:    logger,
		tracer:    otel.Tracer("github.com/rl1809/order-fulfillment/internal/core/service"),
		now:       time.Now,
	}
}

// Run scans on every tick until ctx is cancelled.
func (s *InventoryScanner) Run(ctx context.Context) error {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	s.logger.Info("inventory scanner started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("inventory scanner stopped")
			return nil
		case <-tick.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("inventory scan failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single scan. Alert entries are written before the
// summary; a failure is itself recorded as a scan-failed entry.
func (s *InventoryScanner) RunOnce(ctx context.Context) (ScanReport, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.scan")
	defer span.End()

	start := s.now()
	report, err := s.scan(ctx, start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(ctx, start, err)
		return report, err
	}
	span.SetAttributes(
		attribute.Int("inventory.low", report.Low),
		attribute.Int("inventory.out", report.Out),
	)
	return report, nil
}

func (s *InventoryScanner) scan(ctx context.Context, start time.Time) (ScanReport, error) {
	items, err := s.inventory.ListBelowThreshold(ctx)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list inventory: %w", err)
	}

	scannedAt := start.UTC()
	var report ScanReport
	for _, item := range items {
		level := item.Level()
		if level == domain.StockLevelOK {
			continue
		}
		if level == domain.StockLevelOut {
			report.Out++
		} else {
			report.Low++
		}
		report.Alerts = append(report.Alerts, domain.StockAlert{
			ProductID: item.ProductID,
			Level:     level,
			Quantity:  item.Quantity,
			Threshold: item.LowStockThreshold,
			ScannedAt: scannedAt,
		})
	}

	now := s.now().UTC()
	report.DurationMs = now.Sub(start).Milliseconds()
	for _, alert := range report.Alerts {
		if _, err := s.audit.Append(ctx, alertEntry(alert, report.DurationMs, now)); err != nil {
			return report, fmt.Errorf("append alert for %s: %w", alert.ProductID, err)
		}
		s.logger.Warn("stock alert",
			zap.String("product_id", alert.ProductID),
			zap.String("level", string(alert.Level)),
			zap.Int("quantity", alert.Quantity),
			zap.Int("threshold", alert.Threshold),
		)
	}

	if len(report.Alerts) > 0 && s.sink != nil {
		if err := s.sink.Publish(ctx, report.Alerts); err != nil {
			// the audit log already holds the alerts
			s.logger.Warn("publish stock alerts failed", zap.Error(err), zap.Int("alerts", len(report.Alerts)))
		}
	}

	summary := fmt.Sprintf("inventory scan done: %d low stock, %d out of stock", report.Low, report.Out)
	if _, err := s.audit.Append(ctx, domain.SyncLogEntry{
		TaskName:   domain.TaskScanInventory,
		Outcome:    domain.OutcomeScanCompleted,
		Detail:     summary,
		DurationMs: report.DurationMs,
		CreatedAt:  now,
	}); err != nil {
		return report, fmt.Errorf("append scan summary: %w", err)
	}

	s.logger.Info(summary, zap.Int64("duration_ms", report.DurationMs))
	return report, nil
}

func (s *InventoryScanner) recordFailure(ctx context.Context, start time.Time, cause error) {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	now := s.now().UTC()
	if _, err := s.audit.Append(ctx, domain.SyncLogEntry{
		TaskName:    domain.TaskScanInventory,
		Outcome:     domain.OutcomeScanFailed,
		ErrorDetail: cause.Error(),
		DurationMs:  now.Sub(start).Milliseconds(),
		CreatedAt:   now,
	}); err != nil {
		s.logger.Error("append scan failure entry failed", zap.Error(err))
	}
}

func alertEntry(alert domain.StockAlert, durationMs int64, at time.Time) domain.SyncLogEntry {
	entry := domain.SyncLogEntry{
		TaskName:   domain.TaskScanInventory,
		ProductID:  alert.ProductID,
		DurationMs: durationMs,
		CreatedAt:  at,
	}
	if alert.Level == domain.StockLevelOut {
		entry.Outcome = domain.OutcomeOutOfStock
		entry.Detail = fmt.Sprintf("out of stock: %s", alert.ProductID)
		entry.ErrorDetail = fmt.Sprintf("available: %d", alert.Quantity)
		return entry
	}
	entry.Outcome = domain.OutcomeLowStock
	entry.Detail = fmt.Sprintf("low stock: %s, available=%d, threshold=%d", alert.ProductID, alert.Quantity, alert.Threshold)
	return entry
}
