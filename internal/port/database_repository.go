package port

import (
	"context"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists order with its lines and sets order.ID; returns domain.ErrDuplicateOrder on a repeated external id
	CreateOrder(ctx context.Context, order *domain.Order) error

	// GetOrder loads an order with its lines
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)

	// GetOrderByExternalID loads an order by its upstream id; returns domain.ErrOrderNotFound when absent
	GetOrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error)

	// ListOrders returns a page of orders with their lines, newest first, and the total matching count
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int64, error)

	// TransitionStatus applies t only if the current status is one of t.From
	TransitionStatus(ctx context.Context, t domain.Transition) (bool, error)

	// ListStale returns orders in status whose last update is older than before
	ListStale(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error)

	// CountByStatus returns the number of orders per status
	CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error)
}

type InventoryLedger interface {
	// ReserveAndDeduct locks every referenced item in ascending product id order and deducts all lines or none
	ReserveAndDeduct(ctx context.Context, orderID int64, lines []domain.OrderLine) error

	// ListBelowThreshold returns items whose quantity is at or below their threshold
	ListBelowThreshold(ctx context.Context) ([]domain.InventoryItem, error)

	// ListItems returns every inventory item ordered by product id
	ListItems(ctx context.Context) ([]domain.InventoryItem, error)

	// GetItem retrieves one inventory item by product id; returns domain.ErrUnknownProduct when absent
	GetItem(ctx context.Context, productID string) (*domain.InventoryItem, error)

	// UpsertItem sets stock and threshold for a product
	UpsertItem(ctx context.Context, item domain.InventoryItem) error
}

type AuditLog interface {
	// Append stores entry and returns its sequence id
	Append(ctx context.Context, entry domain.SyncLogEntry) (int64, error)

	// Query returns matching entries in ascending sequence order unless filter.Newest is set
	Query(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, error)

	// Count returns the total number of entries
	Count(ctx context.Context) (int64, error)
}
