package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// MySQLAdapter is the durable store for orders, inventory and the audit log.
type MySQLAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

type orderRow struct {
	ID           int64          `db:"id"`
	ExternalID   string         `db:"external_order_id"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	ErrorMessage sql.NullString `db:"error_message"`
	ReceivedAt   time.Time      `db:"received_at"`
	ProcessedAt  sql.NullTime   `db:"processed_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r orderRow) toDomain() domain.Order {
	o := domain.Order{
		ID:           r.ID,
		ExternalID:   r.ExternalID,
		Status:       domain.OrderStatus(r.Status),
		Attempts:     r.Attempts,
		ErrorMessage: r.ErrorMessage.String,
		ReceivedAt:   r.ReceivedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		o.ProcessedAt = &t
	}
	return o
}

type orderLineRow struct {
	OrderID   int64  `db:"order_id"`
	ProductID string `db:"product_id"`
	Quantity  int    `db:"quantity"`
}

const orderColumns = `id, external_order_id, status, attempts, error_message, received_at, processed_at, updated_at`

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (external_order_id, status, attempts, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		order.ExternalID, order.Status, order.Attempts, order.ReceivedAt, order.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return domain.ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("order id: %w", err)
	}

	lines := make([]orderLineRow, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, orderLineRow{OrderID: id, ProductID: l.ProductID, Quantity: l.Quantity})
	}
	if len(lines) > 0 {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity)
			VALUES (:order_id, :product_id, :quantity)`, lines); err != nil {
			return fmt.Errorf("insert order lines: %w", classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	order.ID = id
	return nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return m.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

func (m *MySQLAdapter) GetOrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	return m.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_order_id = ?`, externalID)
}

func (m *MySQLAdapter) getOrder(ctx context.Context, query string, arg any) (*domain.Order, error) {
	var row orderRow
	err := m.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", classify(err))
	}

	orders := []domain.Order{row.toDomain()}
	if err := m.loadLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int64, error) {
	where, args := "", []any{}
	if filter.Status != "" {
		where = ` WHERE status = ?`
		args = append(args, filter.Status)
	}

	var total int64
	if err := m.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM orders`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", classify(err))
	}

	var rows []orderRow
	if err := m.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders`+where+`
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", classify(err))
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toDomain())
	}
	if err := m.loadLines(ctx, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// loadLines fills Lines for every order in one query.
func (m *MySQLAdapter) loadLines(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*domain.Order, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
		byID[orders[i].ID] = &orders[i]
		orders[i].Lines = []domain.OrderLine{}
	}

	query, args, err := sqlx.In(`
		SELECT order_id, product_id, quantity FROM order_lines
		WHERE order_id IN (?) ORDER BY order_id, product_id`, ids)
	if err != nil {
		return fmt.Errorf("build order lines query: %w", err)
	}
	var lines []orderLineRow
	if err := m.db.SelectContext(ctx, &lines, m.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("query order lines: %w", classify(err))
	}
	for _, l := range lines {
		o := byID[l.OrderID]
		o.Lines = append(o.Lines, domain.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return nil
}

func (m *MySQLAdapter) TransitionStatus(ctx context.Context, t domain.Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, nil
	}
	var processedAt *time.Time
	if t.To == domain.OrderStatusSucceeded {
		processedAt = &t.At
	}
	var errorMessage *string
	if t.ErrorMessage != "" {
		errorMessage = &t.ErrorMessage
	}

	stmt := `
		UPDATE orders
		SET status = ?, attempts = ?, error_message = ?, updated_at = ?,
		    processed_at = COALESCE(?, processed_at)
		WHERE id = ? AND status IN (?)`
	params := []any{t.To, t.Attempts, errorMessage, t.At, processedAt, t.OrderID, t.From}
	if t.AttemptsAtMost != nil {
		stmt += ` AND attempts <= ?`
		params = append(params, *t.AttemptsAtMost)
	}

	query, args, err := sqlx.In(stmt, params...)
	if err != nil {
		return false, fmt.Errorf("build transition: %w", err)
	}

	res, err := m.db.ExecContext(ctx, m.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", classify(err))
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ListStale does not load order lines.
func (m *MySQLAdapter) ListStale(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	var rows []orderRow
	if err := m.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`, status, before, limit); err != nil {
		return nil, fmt.Errorf("query stale orders: %w", classify(err))
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toDomain())
	}
	return orders, nil
}

func (m *MySQLAdapter) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := m.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM orders GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count orders: %w", classify(err))
	}

	counts := make(map[domain.OrderStatus]int64, len(rows))
	for _, r := range rows {
		counts[domain.OrderStatus(r.Status)] = r.N
	}
	return counts, nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}

// classify marks errors a later attempt may not hit again.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	switch {
	case errors.As(err, &me) && (me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout):
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sql.ErrConnDone):
	default:
		var netErr interface{ Timeout() bool }
		if !errors.As(err, &netErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
}
