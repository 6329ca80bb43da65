package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

func TestAccept_QueuesFirstAttempt(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})

	res, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-1001",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, IntakeAccepted, res.Status)
	assert.True(t, res.Queued)

	order, err := p.orders.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReceived, order.Status)
	assert.Equal(t, 0, order.Attempts)

	jobs := p.queue.pending()
	require.Len(t, jobs, 1)
	assert.Equal(t, res.OrderID, jobs[0].OrderID)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, p.clock.Now(), jobs[0].VisibleAt)
}

func TestAccept_DuplicateIsResultNotError(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	req := OrderRequest{ExternalID: "A-1001", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 2}}}

	first, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, IntakeAccepted, first.Status)

	second, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, IntakeDuplicate, second.Status)
	assert.Len(t, p.queue.pending(), 1)
}

// A-1003: concurrent deliveries of one order create exactly one order.
func TestAccept_ConcurrentDuplicates(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	req := OrderRequest{ExternalID: "A-1003", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}

	var accepted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.service.Accept(context.Background(), req)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			switch res.Status {
			case IntakeAccepted:
				accepted.Add(1)
			case IntakeDuplicate:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(19), duplicates.Load())
	assert.Len(t, p.orders.orders, 1)
	assert.Len(t, p.queue.pending(), 1)

	p.drain(context.Background(), nil)
	assert.Equal(t, 9, p.inventory.quantity("P1"))
}

func TestAccept_DuplicateKeyBackstop(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	req := OrderRequest{ExternalID: "A-1001", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}

	_, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)

	// the idempotency key expired but the order row is still there
	require.NoError(t, p.idem.Release(context.Background(), "A-1001"))

	res, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, IntakeDuplicate, res.Status)
}

func TestAccept_ReleasesClaimWhenPersistFails(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	p.orders.createErr = errors.Join(domain.ErrTransientStorage, errStorageDown)
	req := OrderRequest{ExternalID: "A-2001", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}

	_, err := p.service.Accept(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrTransientStorage)
	assert.Empty(t, p.queue.pending())

	// a redelivery after recovery must not be reported as duplicate
	p.orders.createErr = nil
	res, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, IntakeAccepted, res.Status)
}

func TestAccept_StaleClaimDoesNotSwallowOrder(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	p.orders.createErr = errors.Join(domain.ErrTransientStorage, errStorageDown)
	p.idem.releaseErr = errStorageDown
	req := OrderRequest{ExternalID: "A-2004", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}

	_, err := p.service.Accept(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrTransientStorage)
	require.True(t, p.idem.claimed["A-2004"])

	// the claim is still held but no order exists
	p.orders.createErr = nil
	res, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, IntakeAccepted, res.Status)
	assert.True(t, res.Queued)
	assert.Len(t, p.orders.orders, 1)

	again, err := p.service.Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, IntakeDuplicate, again.Status)
	assert.Equal(t, res.OrderID, again.OrderID)
	assert.Len(t, p.queue.pending(), 1)

	p.drain(context.Background(), nil)
	assert.Equal(t, domain.OrderStatusSucceeded, p.orders.status(res.OrderID))
}

func TestAccept_ClaimFailureIsTransient(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	p.idem.claimErr = errStorageDown

	_, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-2002",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 1}},
	})
	require.ErrorIs(t, err, domain.ErrTransientStorage)
	assert.Empty(t, p.orders.orders)
}

func TestAccept_EnqueueFailureLeavesOrderForReconciler(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	p.queue.enqueueErr = errStorageDown

	res, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-2003",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, IntakeAccepted, res.Status)
	assert.False(t, res.Queued)

	p.queue.enqueueErr = nil
	p.clock.Set(p.clock.Now().Add(2 * p.reconciler.staleFor))
	n, err := p.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p.drain(context.Background(), nil)
	assert.Equal(t, domain.OrderStatusSucceeded, p.orders.status(res.OrderID))
	assert.Equal(t, 7, p.inventory.quantity("P1"))
}

func TestAccept_RejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name  string
		req   OrderRequest
		field string
	}{
		{"missing id", OrderRequest{Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}, "external_order_id"},
		{"blank id", OrderRequest{ExternalID: "  ", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 1}}}, "external_order_id"},
		{"no lines", OrderRequest{ExternalID: "A-1"}, "line_items"},
		{"zero quantity", OrderRequest{ExternalID: "A-1", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 0}}}, "line_items[0].quantity"},
		{"negative quantity", OrderRequest{ExternalID: "A-1", Lines: []domain.OrderLine{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: -1}}}, "line_items[1].quantity"},
		{"missing product", OrderRequest{ExternalID: "A-1", Lines: []domain.OrderLine{{Quantity: 1}}}, "line_items[0].product_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPipeline(nil)
			_, err := p.service.Accept(context.Background(), tc.req)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, p.idem.claimed)
			assert.Empty(t, p.orders.orders)
		})
	}
}

func TestNormalizeOrderRequest_MergesAndSortsLines(t *testing.T) {
	norm, err := NormalizeOrderRequest(OrderRequest{
		ExternalID: " A-1 ",
		Lines: []domain.OrderLine{
			{ProductID: "P9", Quantity: 1},
			{ProductID: "P2", Quantity: 2},
			{ProductID: "P9", Quantity: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "A-1", norm.ExternalID)
	assert.Equal(t, []domain.OrderLine{{ProductID: "P2", Quantity: 2}, {ProductID: "P9", Quantity: 4}}, norm.Lines)
}

func TestRetry_RequeuesFailedOrder(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 1})
	res, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-1002",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 5}},
	})
	require.NoError(t, err)
	p.drain(context.Background(), nil)
	require.Equal(t, domain.OrderStatusFailedPermanent, p.orders.status(res.OrderID))

	require.NoError(t, p.inventory.UpsertItem(context.Background(), domain.InventoryItem{ProductID: "P1", Quantity: 10, LowStockThreshold: 2}))

	order, err := p.service.Retry(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRetryScheduled, order.Status)
	assert.Equal(t, 0, order.Attempts)

	jobs := p.queue.pending()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)

	p.drain(context.Background(), nil)
	assert.Equal(t, domain.OrderStatusSucceeded, p.orders.status(res.OrderID))
	assert.Equal(t, 5, p.inventory.quantity("P1"))

	outcomes := p.audit.outcomes(res.OrderID)
	assert.Contains(t, outcomes, domain.OutcomeManualRetry)
	assert.Equal(t, domain.OutcomeSuccess, outcomes[len(outcomes)-1])
}

func TestRetry_RejectsNonFailedOrders(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 10})
	res, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-1001",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = p.service.Retry(context.Background(), res.OrderID)
	assert.ErrorIs(t, err, domain.ErrOrderNotRetryable)

	p.drain(context.Background(), nil)
	_, err = p.service.Retry(context.Background(), res.OrderID)
	assert.ErrorIs(t, err, domain.ErrOrderNotRetryable)

	_, err = p.service.Retry(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRetry_RevertsWhenEnqueueFails(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 0})
	res, err := p.service.Accept(context.Background(), OrderRequest{
		ExternalID: "A-3001",
		Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 1}},
	})
	require.NoError(t, err)
	p.drain(context.Background(), nil)
	require.Equal(t, domain.OrderStatusFailedPermanent, p.orders.status(res.OrderID))

	p.queue.enqueueErr = errStorageDown
	_, err = p.service.Retry(context.Background(), res.OrderID)
	require.Error(t, err)

	order, err := p.orders.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailedPermanent, order.Status)
	assert.Equal(t, 4, order.Attempts)
	assert.NotEmpty(t, order.ErrorMessage)
}

func TestAccept_ManyDistinctOrders(t *testing.T) {
	p := newPipeline(map[string]int{"P1": 100})

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.service.Accept(context.Background(), OrderRequest{
				ExternalID: fmt.Sprintf("B-%d", i),
				Lines:      []domain.OrderLine{{ProductID: "P1", Quantity: 2}},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p.drain(context.Background(), nil)
	assert.Equal(t, 50, p.inventory.quantity("P1"))
	counts, err := p.orders.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(25), counts[domain.OrderStatusSucceeded])
}
