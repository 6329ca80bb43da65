package handler

import (
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type orderLineResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	ExternalOrderID string              `json:"external_order_id"`
	Status          domain.OrderStatus  `json:"status"`
	Attempts        int                 `json:"attempts"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	ReceivedAt      time.Time           `json:"received_at"`
	ProcessedAt     *time.Time          `json:"processed_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Lines           []orderLineResponse `json:"line_items"`
	History         []syncLogResponse   `json:"history,omitempty"`
}

type orderPageResponse struct {
	Orders   []orderResponse `json:"orders"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type inventoryResponse struct {
	ProductID         string            `json:"product_id"`
	Quantity          int               `json:"quantity"`
	LowStockThreshold int               `json:"low_stock_threshold"`
	Level             domain.StockLevel `json:"level"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type syncLogResponse struct {
	ID          int64          `json:"id"`
	OrderID     *int64         `json:"order_id,omitempty"`
	TaskName    string         `json:"task_name"`
	Attempt     int            `json:"attempt,omitempty"`
	Outcome     domain.Outcome `json:"outcome"`
	ProductID   string         `json:"product_id,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
}

func newOrderResponse(o *domain.Order, history []domain.SyncLogEntry) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		ExternalOrderID: o.ExternalID,
		Status:          o.Status,
		Attempts:        o.Attempts,
		ErrorMessage:    o.ErrorMessage,
		ReceivedAt:      o.ReceivedAt,
		ProcessedAt:     o.ProcessedAt,
		UpdatedAt:       o.UpdatedAt,
		Lines:           make([]orderLineResponse, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	for _, e := range history {
		resp.History = append(resp.History, newSyncLogResponse(e))
	}
	return resp
}

func newSyncLogResponse(e domain.SyncLogEntry) syncLogResponse {
	return syncLogResponse{
		ID:          e.ID,
		OrderID:     e.OrderID,
		TaskName:    e.TaskName,
		Attempt:     e.Attempt,
		Outcome:     e.Outcome,
		ProductID:   e.ProductID,
		Detail:      e.Detail,
		ErrorDetail: e.ErrorDetail,
		DurationMs:  e.DurationMs,
		CreatedAt:   e.CreatedAt,
	}
}

func newInventoryResponses(items []domain.InventoryItem) []inventoryResponse {
	out := make([]inventoryResponse, 0, len(items))
	for _, i := range items {
		out = append(out, inventoryResponse{
			ProductID:         i.ProductID,
			Quantity:          i.Quantity,
			LowStockThreshold: i.LowStockThreshold,
			Level:             i.Level(),
			UpdatedAt:         i.UpdatedAt,
		})
	}
	return out
}
