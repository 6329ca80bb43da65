package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type inventoryRow struct {
	ProductID         string    `db:"product_id"`
	Quantity          int       `db:"quantity"`
	LowStockThreshold int       `db:"low_stock_threshold"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r inventoryRow) toDomain() domain.InventoryItem {
	return domain.InventoryItem{
		ProductID:         r.ProductID,
		Quantity:          r.Quantity,
		LowStockThreshold: r.LowStockThreshold,
		UpdatedAt:         r.UpdatedAt,
	}
}

// ReserveAndDeduct deducts every line of orderID in one transaction. Rows are
// locked one at a time in ascending product id order so concurrent orders
// over overlapping items cannot deadlock. The stock_deductions marker makes a
// second deduction for the same order fail with domain.ErrDeductionApplied.
func (m *MySQLAdapter) ReserveAndDeduct(ctx context.Context, orderID int64, lines []domain.OrderLine) error {
	lines = mergeLines(lines)
	now := m.now().UTC()

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO stock_deductions (order_id, created_at) VALUES (?, ?)`, orderID, now)
	if isDuplicateKey(err) {
		return domain.ErrDeductionApplied
	}
	if err != nil {
		return fmt.Errorf("record deduction: %w", classify(err))
	}

	for _, line := range lines {
		var item inventoryRow
		err := tx.GetContext(ctx, &item, `
			SELECT product_id, quantity, low_stock_threshold, updated_at
			FROM inventory WHERE product_id = ? FOR UPDATE`, line.ProductID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("product %q: %w", line.ProductID, domain.ErrUnknownProduct)
		}
		if err != nil {
			return fmt.Errorf("lock inventory %s: %w", line.ProductID, classify(err))
		}
		if item.Quantity < line.Quantity {
			return &domain.StockShortageError{ProductID: line.ProductID, Requested: line.Quantity, Available: item.Quantity}
		}
	}

	for _, line := range lines {
		result, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET quantity = quantity - ?, updated_at = ?
			WHERE product_id = ? AND quantity >= ?`,
			line.Quantity, now, line.ProductID, line.Quantity,
		)
		if err != nil {
			return fmt.Errorf("update inventory %s: %w", line.ProductID, classify(err))
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &domain.StockShortageError{ProductID: line.ProductID, Requested: line.Quantity}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (m *MySQLAdapter) ListBelowThreshold(ctx context.Context) ([]domain.InventoryItem, error) {
	var rows []inventoryRow
	if err := m.db.SelectContext(ctx, &rows, `
		SELECT product_id, quantity, low_stock_threshold, updated_at
		FROM inventory
		WHERE quantity <= low_stock_threshold
		ORDER BY product_id`); err != nil {
		return nil, fmt.Errorf("query inventory: %w", classify(err))
	}

	items := make([]domain.InventoryItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return items, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	var rows []inventoryRow
	if err := m.db.SelectContext(ctx, &rows, `
		SELECT product_id, quantity, low_stock_threshold, updated_at
		FROM inventory
		ORDER BY product_id`); err != nil {
		return nil, fmt.Errorf("query inventory: %w", classify(err))
	}

	items := make([]domain.InventoryItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return items, nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, productID string) (*domain.InventoryItem, error) {
	var row inventoryRow
	err := m.db.GetContext(ctx, &row, `
		SELECT product_id, quantity, low_stock_threshold, updated_at
		FROM inventory WHERE product_id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %q: %w", productID, domain.ErrUnknownProduct)
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", classify(err))
	}

	item := row.toDomain()
	return &item, nil
}

func (m *MySQLAdapter) UpsertItem(ctx context.Context, item domain.InventoryItem) error {
	if item.Quantity < 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO inventory (product_id, quantity, low_stock_threshold, updated_at)
		VALUES (:product_id, :quantity, :low_stock_threshold, :updated_at)
		ON DUPLICATE KEY UPDATE
			quantity = VALUES(quantity),
			low_stock_threshold = VALUES(low_stock_threshold),
			updated_at = VALUES(updated_at)`,
		inventoryRow{
			ProductID:         item.ProductID,
			Quantity:          item.Quantity,
			LowStockThreshold: item.LowStockThreshold,
			UpdatedAt:         m.now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("upsert inventory: %w", classify(err))
	}
	return nil
}

func mergeLines(lines []domain.OrderLine) []domain.OrderLine {
	totals := make(map[string]int, len(lines))
	for _, l := range lines {
		totals[l.ProductID] += l.Quantity
	}
	merged := make([]domain.OrderLine, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, domain.OrderLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}
