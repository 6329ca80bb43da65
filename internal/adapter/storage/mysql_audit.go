package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const defaultSyncLogLimit = 100

type syncLogRow struct {
	ID          int64          `db:"id"`
	OrderID     sql.NullInt64  `db:"order_id"`
	TaskName    string         `db:"task_name"`
	Attempt     int            `db:"attempt"`
	Outcome     string         `db:"outcome"`
	ProductID   sql.NullString `db:"product_id"`
	Detail      sql.NullString `db:"detail"`
	ErrorDetail sql.NullString `db:"error_detail"`
	DurationMs  int64          `db:"duration_ms"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r syncLogRow) toDomain() domain.SyncLogEntry {
	e := domain.SyncLogEntry{
		ID:          r.ID,
		TaskName:    r.TaskName,
		Attempt:     r.Attempt,
		Outcome:     domain.Outcome(r.Outcome),
		ProductID:   r.ProductID.String,
		Detail:      r.Detail.String,
		ErrorDetail: r.ErrorDetail.String,
		DurationMs:  r.DurationMs,
		CreatedAt:   r.CreatedAt,
	}
	if r.OrderID.Valid {
		id := r.OrderID.Int64
		e.OrderID = &id
	}
	return e
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Append inserts entry. The auto-increment id gives the sequence order; no
// code path updates or deletes sync_logs rows.
func (m *MySQLAdapter) Append(ctx context.Context, entry domain.SyncLogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	row := syncLogRow{
		TaskName:    entry.TaskName,
		Attempt:     entry.Attempt,
		Outcome:     string(entry.Outcome),
		ProductID:   nullString(entry.ProductID),
		Detail:      nullString(entry.Detail),
		ErrorDetail: nullString(entry.ErrorDetail),
		DurationMs:  entry.DurationMs,
		CreatedAt:   entry.CreatedAt,
	}
	if entry.OrderID != nil {
		row.OrderID = sql.NullInt64{Int64: *entry.OrderID, Valid: true}
	}

	res, err := m.db.NamedExecContext(ctx, `
		INSERT INTO sync_logs (order_id, task_name, attempt, outcome, product_id, detail, error_detail, duration_ms, created_at)
		VALUES (:order_id, :task_name, :attempt, :outcome, :product_id, :detail, :error_detail, :duration_ms, :created_at)`, row)
	if err != nil {
		return 0, fmt.Errorf("insert sync log: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sync log id: %w", err)
	}
	return id, nil
}

func (m *MySQLAdapter) Query(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrderID != nil {
		where = append(where, "order_id = ?")
		args = append(args, *filter.OrderID)
	}
	if filter.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, filter.TaskName)
	}
	if len(filter.Outcomes) > 0 {
		where = append(where, "outcome IN (?)")
		args = append(args, filter.Outcomes)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, order_id, task_name, attempt, outcome, product_id, detail, error_detail, duration_ms, created_at FROM sync_logs`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if filter.Newest {
		b.WriteString(" ORDER BY id DESC")
	} else {
		b.WriteString(" ORDER BY id")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSyncLogLimit
	}
	b.WriteString(" LIMIT ?")
	args = append(args, limit)

	query, args, err := sqlx.In(b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("build sync log query: %w", err)
	}

	var rows []syncLogRow
	if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query sync logs: %w", classify(err))
	}

	entries := make([]domain.SyncLogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toDomain())
	}
	return entries, nil
}

func (m *MySQLAdapter) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sync_logs`); err != nil {
		return 0, fmt.Errorf("count sync logs: %w", classify(err))
	}
	return n, nil
}
