package service

import (
	"context"
	"fmt"
	"math"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

// Metrics is the operational snapshot served on the metrics endpoint.
type Metrics struct {
	QueueDepth     int64                        `json:"queue_depth"`
	OrdersByStatus map[domain.OrderStatus]int64 `json:"orders_by_status"`
	TotalOrders    int64                        `json:"total_orders"`
	SuccessRate    float64                      `json:"success_rate"`
	LowStockItems  int                          `json:"low_stock_items"`
	OutOfStock     int                          `json:"out_of_stock_items"`
	TotalSyncLogs  int64                        `json:"total_sync_logs"`
}

type MetricsService struct {
	orders    port.OrderRepository
	inventory port.InventoryLedger
	audit     port.AuditLog
	queue     port.TaskQueue
}

func NewMetricsService(orders port.OrderRepository, inventory port.InventoryLedger, audit port.AuditLog, queue port.TaskQueue) *MetricsService {
	return &MetricsService{orders: orders, inventory: inventory, audit: audit, queue: queue}
}

func (s *MetricsService) Snapshot(ctx context.Context) (Metrics, error) {
	counts, err := s.orders.CountByStatus(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("count orders: %w", err)
	}

	m := Metrics{OrdersByStatus: make(map[domain.OrderStatus]int64, len(domain.OrderStatuses))}
	for _, st := range domain.OrderStatuses {
		m.OrdersByStatus[st] = counts[st]
		m.TotalOrders += counts[st]
	}
	if m.TotalOrders > 0 {
		rate := float64(counts[domain.OrderStatusSucceeded]) / float64(m.TotalOrders) * 100
		m.SuccessRate = math.Round(rate*100) / 100
	}

	items, err := s.inventory.ListBelowThreshold(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("list inventory: %w", err)
	}
	for _, item := range items {
		switch item.Level() {
		case domain.StockLevelOut:
			m.OutOfStock++
		case domain.StockLevelLow:
			m.LowStockItems++
		}
	}

	if m.TotalSyncLogs, err = s.audit.Count(ctx); err != nil {
		return Metrics{}, fmt.Errorf("count sync logs: %w", err)
	}
	if m.QueueDepth, err = s.queue.Depth(ctx); err != nil {
		return Metrics{}, fmt.Errorf("queue depth: %w", err)
	}
	return m, nil
}
