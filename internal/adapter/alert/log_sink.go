package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// LogSink writes alerts to the logger. Used when no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, alerts []domain.StockAlert) error {
	for _, a := range alerts {
		s.logger.Warn("inventory alert",
			zap.String("product_id", a.ProductID),
			zap.String("level", string(a.Level)),
			zap.Int("quantity", a.Quantity),
			zap.Int("threshold", a.Threshold),
			zap.Time("scanned_at", a.ScannedAt),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
