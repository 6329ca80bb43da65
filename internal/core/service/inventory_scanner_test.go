package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

func newTestScanner(inv *fakeInventory, audit *fakeAudit, sink *fakeSink) *InventoryScanner {
	s := NewInventoryScanner(inv, audit, sink, time.Minute, zap.NewNop())
	s.now = newFakeClock().Now
	return s
}

func TestScanner_FlagsLowAndOutItems(t *testing.T) {
	inv := newFakeInventory(nil)
	inv.items["P1"] = &domain.InventoryItem{ProductID: "P1", Quantity: 50, LowStockThreshold: 10}
	inv.items["P2"] = &domain.InventoryItem{ProductID: "P2", Quantity: 3, LowStockThreshold: 10}
	inv.items["P3"] = &domain.InventoryItem{ProductID: "P3", Quantity: 0, LowStockThreshold: 10}
	inv.items["P4"] = &domain.InventoryItem{ProductID: "P4", Quantity: 10, LowStockThreshold: 10}
	audit := &fakeAudit{}
	sink := &fakeSink{}

	report, err := newTestScanner(inv, audit, sink).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Low)
	assert.Equal(t, 1, report.Out)

	alerts, err := audit.Query(context.Background(), domain.SyncLogFilter{
		Outcomes: []domain.Outcome{domain.OutcomeLowStock, domain.OutcomeOutOfStock},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	byProduct := map[string]domain.Outcome{}
	for _, e := range alerts {
		assert.Equal(t, domain.TaskScanInventory, e.TaskName)
		assert.Nil(t, e.OrderID)
		byProduct[e.ProductID] = e.Outcome
	}
	assert.Equal(t, map[string]domain.Outcome{
		"P2": domain.OutcomeLowStock,
		"P3": domain.OutcomeOutOfStock,
		"P4": domain.OutcomeLowStock,
	}, byProduct)

	last := audit.entries[len(audit.entries)-1]
	assert.Equal(t, domain.OutcomeScanCompleted, last.Outcome)
	assert.Contains(t, last.Detail, "2 low stock, 1 out of stock")

	require.Len(t, sink.published, 1)
	assert.Len(t, sink.published[0], 3)
}

func TestScanner_NoAlertsStillWritesSummary(t *testing.T) {
	inv := newFakeInventory(map[string]int{"P1": 100})
	audit := &fakeAudit{}
	sink := &fakeSink{}

	report, err := newTestScanner(inv, audit, sink).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, domain.OutcomeScanCompleted, audit.entries[0].Outcome)
	assert.Empty(t, sink.published)
}

func TestScanner_SinkFailureDoesNotFailCycle(t *testing.T) {
	inv := newFakeInventory(map[string]int{"P1": 0})
	audit := &fakeAudit{}
	sink := &fakeSink{err: errStorageDown}

	report, err := newTestScanner(inv, audit, sink).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Out)
	assert.Len(t, audit.entries, 2)
}

func TestScanner_FailureIsRecordedAndNextCycleRuns(t *testing.T) {
	inv := newFakeInventory(map[string]int{"P1": 1})
	inv.listErr = errStorageDown
	audit := &fakeAudit{}
	s := newTestScanner(inv, audit, &fakeSink{})

	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, errStorageDown)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, domain.OutcomeScanFailed, audit.entries[0].Outcome)
	assert.Contains(t, audit.entries[0].ErrorDetail, "connection refused")

	inv.listErr = nil
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Low)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	s := NewInventoryScanner(newFakeInventory(nil), &fakeAudit{}, nil, 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
