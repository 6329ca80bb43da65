package domain

import "time"

type StockLevel string

const (
	StockLevelOK  StockLevel = "ok"
	StockLevelLow StockLevel = "low"
	StockLevelOut StockLevel = "out"
)

type InventoryItem struct {
	ProductID         string
	Quantity          int
	LowStockThreshold int
	UpdatedAt         time.Time
}

func (i InventoryItem) Level() StockLevel {
	switch {
	case i.Quantity <= 0:
		return StockLevelOut
	case i.Quantity <= i.LowStockThreshold:
		return StockLevelLow
	default:
		return StockLevelOK
	}
}

// StockAlert is emitted by the inventory scanner for every low or out item.
type StockAlert struct {
	ProductID string     `json:"product_id"`
	Level     StockLevel `json:"level"`
	Quantity  int        `json:"quantity"`
	Threshold int        `json:"threshold"`
	ScannedAt time.Time  `json:"scanned_at"`
}
