package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const (
	baseURL        = "http://localhost:8080"
	mysqlDSN       = "root:root@tcp(localhost:3306)/fulfillment?parseTime=true"
	productID      = "stress-item"
	initialStock   = 20
	distinctOrders = 50
	duplicates     = 20
	settleTimeout  = 30 * time.Second
)

func main() {
	ctx := context.Background()

	db, err := storage.OpenMySQL(ctx, mysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	inventory := storage.NewMySQLAdapter(db)

	if err := inventory.UpsertItem(ctx, domain.InventoryItem{ProductID: productID, Quantity: initialStock, LowStockThreshold: 5}); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	run := uuid.NewString()[:8]
	client := &http.Client{Timeout: 10 * time.Second}

	var accepted, duplicate, failed atomic.Int32
	post := func(externalID string) {
		body := fmt.Sprintf(`{"id": %q, "line_items": [{"product_id": %q, "quantity": 1}]}`, externalID, productID)
		resp, err := client.Post(baseURL+"/webhooks/orders", "application/json", bytes.NewBufferString(body))
		if err != nil {
			failed.Add(1)
			return
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusAccepted:
			accepted.Add(1)
		case http.StatusOK:
			duplicate.Add(1)
		default:
			failed.Add(1)
		}
	}

	var wg sync.WaitGroup
	start := time.Now()

	// the same order delivered concurrently
	dupID := fmt.Sprintf("stress-%s-dup", run)
	for i := 0; i < duplicates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(dupID)
		}()
	}
	// distinct orders competing for the same stock
	for i := 0; i < distinctOrders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			post(fmt.Sprintf("stress-%s-%d", run, n))
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Deliveries:       %d\n", distinctOrders+duplicates)
	fmt.Printf("Accepted:         %d\n", accepted.Load())
	fmt.Printf("Duplicate:        %d\n", duplicate.Load())
	fmt.Printf("Failed:           %d\n", failed.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if accepted.Load() == int32(distinctOrders+1) && duplicate.Load() == int32(duplicates-1) {
		fmt.Printf("PASS: %d orders accepted, %d duplicates rejected\n", distinctOrders+1, duplicates-1)
	} else {
		fmt.Printf("FAIL: Expected %d accepted/%d duplicate, got %d/%d\n",
			distinctOrders+1, duplicates-1, accepted.Load(), duplicate.Load())
	}

	// wait for workers to drain the first attempts
	deadline := time.Now().Add(settleTimeout)
	var item *domain.InventoryItem
	for time.Now().Before(deadline) {
		item, err = inventory.GetItem(ctx, productID)
		if errors.Is(err, domain.ErrUnknownProduct) {
			fmt.Println("FAIL: inventory item missing")
			return
		}
		if err != nil {
			log.Fatalf("failed to read stock: %v", err)
		}
		if item.Quantity == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Printf("Final Stock:      %d\n", item.Quantity)
	if item.Quantity == 0 {
		fmt.Println("PASS: Stock depleted to 0 and never negative")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", item.Quantity)
	}
}
