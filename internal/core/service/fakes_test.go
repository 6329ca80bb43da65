package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

var errStorageDown = errors.New("connection refused")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Mock IdempotencyLedger
type fakeIdempotency struct {
	mu         sync.Mutex
	claimed    map[string]bool
	claimErr   error
	releaseErr error
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{claimed: make(map[string]bool)}
}

func (f *fakeIdempotency) Claim(ctx context.Context, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.claimed[externalID] {
		return false, nil
	}
	f.claimed[externalID] = true
	return true, nil
}

func (f *fakeIdempotency) Release(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	delete(f.claimed, externalID)
	return nil
}

// Mock OrderRepository
type fakeOrders struct {
	mu            sync.Mutex
	nextID        int64
	orders        map[int64]*domain.Order
	createErr     error
	transitionErr error
	// failTo fails only transitions into this status
	failTo domain.OrderStatus
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[int64]*domain.Order)}
}

func (f *fakeOrders) CreateOrder(ctx context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, o := range f.orders {
		if o.ExternalID == order.ExternalID {
			return domain.ErrDuplicateOrder
		}
	}
	f.nextID++
	order.ID = f.nextID
	stored := *order
	stored.Lines = slices.Clone(order.Lines)
	f.orders[order.ID] = &stored
	return nil
}

func (f *fakeOrders) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	cp.Lines = slices.Clone(o.Lines)
	return &cp, nil
}

func (f *fakeOrders) GetOrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ExternalID == externalID {
			cp := *o
			cp.Lines = slices.Clone(o.Lines)
			return &cp, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (f *fakeOrders) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if filter.Status == "" || o.Status == filter.Status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	out = out[min(filter.Offset, len(out)):]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (f *fakeOrders) TransitionStatus(ctx context.Context, t domain.Transition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	if f.failTo != "" && t.To == f.failTo {
		return false, errStorageDown
	}
	o, ok := f.orders[t.OrderID]
	if !ok || !slices.Contains(t.From, o.Status) {
		return false, nil
	}
	if t.AttemptsAtMost != nil && o.Attempts > *t.AttemptsAtMost {
		return false, nil
	}
	o.Status = t.To
	o.Attempts = t.Attempts
	o.ErrorMessage = t.ErrorMessage
	o.UpdatedAt = t.At
	if t.To == domain.OrderStatusSucceeded {
		at := t.At
		o.ProcessedAt = &at
	}
	return true, nil
}

func (f *fakeOrders) ListStale(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.Status == status && o.UpdatedAt.Before(before) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[domain.OrderStatus]int64)
	for _, o := range f.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (f *fakeOrders) status(id int64) domain.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

// Mock InventoryLedger
type fakeInventory struct {
	mu        sync.Mutex
	items     map[string]*domain.InventoryItem
	deducted  map[int64]bool
	calls     int
	deductErr error
	panicMsg  string
	listErr   error
}

func newFakeInventory(stock map[string]int) *fakeInventory {
	f := &fakeInventory{items: make(map[string]*domain.InventoryItem), deducted: make(map[int64]bool)}
	for id, qty := range stock {
		f.items[id] = &domain.InventoryItem{ProductID: id, Quantity: qty, LowStockThreshold: 10}
	}
	return f
}

func (f *fakeInventory) ReserveAndDeduct(ctx context.Context, orderID int64, lines []domain.OrderLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.deductErr != nil {
		return f.deductErr
	}
	if f.deducted[orderID] {
		return domain.ErrDeductionApplied
	}
	for _, line := range lines {
		item, ok := f.items[line.ProductID]
		if !ok {
			return domain.ErrUnknownProduct
		}
		if item.Quantity < line.Quantity {
			return &domain.StockShortageError{ProductID: line.ProductID, Requested: line.Quantity, Available: item.Quantity}
		}
	}
	for _, line := range lines {
		f.items[line.ProductID].Quantity -= line.Quantity
	}
	f.deducted[orderID] = true
	return nil
}

func (f *fakeInventory) ListBelowThreshold(ctx context.Context) ([]domain.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.InventoryItem
	for _, item := range f.items {
		if item.Quantity <= item.LowStockThreshold {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (f *fakeInventory) GetItem(ctx context.Context, productID string) (*domain.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[productID]
	if !ok {
		return nil, fmt.Errorf("product %q: %w", productID, domain.ErrUnknownProduct)
	}
	cp := *item
	return &cp, nil
}

func (f *fakeInventory) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.InventoryItem, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (f *fakeInventory) UpsertItem(ctx context.Context, item domain.InventoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := item
	f.items[item.ProductID] = &cp
	return nil
}

func (f *fakeInventory) quantity(productID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[productID].Quantity
}

// Mock AuditLog
type fakeAudit struct {
	mu        sync.Mutex
	entries   []domain.SyncLogEntry
	appendErr error
}

func (f *fakeAudit) Append(ctx context.Context, entry domain.SyncLogEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return entry.ID, nil
}

func (f *fakeAudit) Query(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SyncLogEntry
	for _, e := range f.entries {
		if filter.OrderID != nil && (e.OrderID == nil || *e.OrderID != *filter.OrderID) {
			continue
		}
		if len(filter.Outcomes) > 0 && !slices.Contains(filter.Outcomes, e.Outcome) {
			continue
		}
		if filter.TaskName != "" && e.TaskName != filter.TaskName {
			continue
		}
		out = append(out, e)
	}
	if filter.Newest {
		slices.Reverse(out)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeAudit) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeAudit) outcomes(orderID int64) []domain.Outcome {
	entries, _ := f.Query(context.Background(), domain.SyncLogFilter{OrderID: &orderID})
	out := make([]domain.Outcome, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Outcome)
	}
	return out
}

// Mock TaskQueue
type fakeQueue struct {
	mu         sync.Mutex
	seq        int
	ready      []domain.Job
	leased     map[string]domain.Job
	acked      []domain.Job
	nacked     []domain.Job
	enqueueErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job domain.Job, visibleAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", f.seq)
	}
	if f.holds(job.ID) {
		return nil
	}
	job.VisibleAt = visibleAt
	f.ready = append(f.ready, job)
	return nil
}

func (f *fakeQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds(jobID), nil
}

func (f *fakeQueue) holds(jobID string) bool {
	if _, ok := f.leased[jobID]; ok {
		return true
	}
	return slices.ContainsFunc(f.ready, func(j domain.Job) bool { return j.ID == jobID })
}

// Dequeue ignores visibility; tests inspect VisibleAt to drive the clock.
func (f *fakeQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return nil, nil
	}
	sort.SliceStable(f.ready, func(i, j int) bool { return f.ready[i].VisibleAt.Before(f.ready[j].VisibleAt) })
	job := f.ready[0]
	f.ready = f.ready[1:]
	if f.leased == nil {
		f.leased = make(map[string]domain.Job)
	}
	f.leased[job.ID] = job
	return &job, nil
}

func (f *fakeQueue) Ack(ctx context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leased, job.ID)
	f.acked = append(f.acked, job)
	return nil
}

func (f *fakeQueue) Nack(ctx context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leased, job.ID)
	f.nacked = append(f.nacked, job)
	f.ready = append(f.ready, job)
	return nil
}

func (f *fakeQueue) Depth(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.ready) + len(f.leased)), nil
}

// expire returns a leased job to the ready list, as a lapsed lease would.
func (f *fakeQueue) expire(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.leased[jobID]; ok {
		delete(f.leased, jobID)
		f.ready = append(f.ready, job)
	}
}

func (f *fakeQueue) pending() []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ready)
}

// Mock AlertSink
type fakeSink struct {
	mu        sync.Mutex
	published [][]domain.StockAlert
	err       error
}

func (f *fakeSink) Publish(ctx context.Context, alerts []domain.StockAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, alerts)
	return nil
}

// pipeline wires the core services against fakes sharing one clock.
type pipeline struct {
	clock      *fakeClock
	idem       *fakeIdempotency
	orders     *fakeOrders
	inventory  *fakeInventory
	audit      *fakeAudit
	queue      *fakeQueue
	service    *OrderService
	processor  *OrderProcessor
	reconciler *Reconciler
}

func newPipeline(stock map[string]int) *pipeline {
	p := &pipeline{
		clock:     newFakeClock(),
		idem:      newFakeIdempotency(),
		orders:    newFakeOrders(),
		inventory: newFakeInventory(stock),
		audit:     &fakeAudit{},
		queue:     &fakeQueue{},
	}
	logger := zap.NewNop()
	p.service = NewOrderService(p.idem, p.orders, p.audit, p.queue, logger)
	p.service.now = p.clock.Now
	p.processor = NewOrderProcessor(p.orders, p.inventory, p.audit, p.queue, NewRetryScheduler(time.Minute, 4, 0), time.Second, logger)
	p.processor.now = p.clock.Now
	p.reconciler = NewReconciler(p.orders, p.queue, time.Minute, logger)
	p.reconciler.now = p.clock.Now
	return p
}

// drain processes queued jobs in visibility order, advancing the clock to
// each job's visible time, and returns the waits observed between attempts.
func (p *pipeline) drain(ctx context.Context, beforeEach func(job domain.Job)) []time.Duration {
	var waits []time.Duration
	for {
		job, _ := p.queue.Dequeue(ctx)
		if job == nil {
			return waits
		}
		if now := p.clock.Now(); job.VisibleAt.After(now) {
			waits = append(waits, job.VisibleAt.Sub(now))
			p.clock.Set(job.VisibleAt)
		}
		if beforeEach != nil {
			beforeEach(*job)
		}
		p.processor.Process(ctx, *job)
	}
}
