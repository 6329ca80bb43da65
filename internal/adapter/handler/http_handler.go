package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const (
	maxWebhookBody     = 1 << 20
	signatureHeader    = "X-Shopify-Hmac-Sha256"
	healthCheckTimeout = 2 * time.Second
	defaultLogLimit    = 50
	maxLogLimit        = 500
	orderHistoryLimit  = 500
	defaultPageSize    = 20
	maxPageSize        = 100
)

// OrderIntake is the gatekeeper surface used by the webhook and retry routes.
type OrderIntake interface {
	Accept(ctx context.Context, req service.OrderRequest) (service.IntakeResult, error)
	Retry(ctx context.Context, orderID int64) (*domain.Order, error)
}

type MetricsReader interface {
	Snapshot(ctx context.Context) (service.Metrics, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	intake        OrderIntake
	orders        port.OrderRepository
	inventory     port.InventoryLedger
	audit         port.AuditLog
	metrics       MetricsReader
	checks        map[string]Pinger
	webhookSecret []byte
	logger        *zap.Logger
}

func NewHTTPHandler(
	intake OrderIntake,
	orders port.OrderRepository,
	inventory port.InventoryLedger,
	audit port.AuditLog,
	metrics MetricsReader,
	checks map[string]Pinger,
	webhookSecret string,
	logger *zap.Logger,
) *HTTPHandler {
	h := &HTTPHandler{
		intake:    intake,
		orders:    orders,
		inventory: inventory,
		audit:     audit,
		metrics:   metrics,
		checks:    checks,
		logger:    logger,
	}
	if webhookSecret != "" {
		h.webhookSecret = []byte(webhookSecret)
	}
	return h
}

// Routes returns the router with request id, recovery and access logging.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.HealthCheck)
	r.Get("/metrics", h.Metrics)
	r.Post("/webhooks/orders", h.ReceiveOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Post("/orders/{id}/retry", h.RetryOrder)
	r.Get("/sync-logs", h.ListSyncLogs)
	r.Get("/inventory", h.ListInventory)
	r.Get("/inventory/alerts", h.ListInventoryAlerts)
	return r
}

type webhookPayload struct {
	ID              json.RawMessage   `json:"id"`
	ExternalOrderID string            `json:"external_order_id"`
	LineItems       []webhookLineItem `json:"line_items"`
}

type webhookLineItem struct {
	ProductID json.RawMessage `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  *int            `json:"quantity"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	OrderID int64  `json:"order_id,omitempty"`
	Queued  *bool  `json:"queued,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *HTTPHandler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if h.webhookSecret != nil && !validSignature(h.webhookSecret, body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature", "")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := h.intake.Accept(r.Context(), payload.toRequest())
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "validation failed", verr.Error())
		default:
			h.logger.Error("order intake failed", zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
			writeError(w, http.StatusServiceUnavailable, "order could not be accepted, retry later", "")
		}
		return
	}

	if res.Status == service.IntakeDuplicate {
		writeJSON(w, http.StatusOK, webhookResponse{
			Status:  string(service.IntakeDuplicate),
			Message: "order already received",
			OrderID: res.OrderID,
		})
		return
	}

	queued := res.Queued
	writeJSON(w, http.StatusAccepted, webhookResponse{
		Status:  string(service.IntakeAccepted),
		Message: "order queued for processing",
		OrderID: res.OrderID,
		Queued:  &queued,
	})
}

func (p webhookPayload) toRequest() service.OrderRequest {
	req := service.OrderRequest{ExternalID: p.ExternalOrderID}
	if id := rawIdentifier(p.ID); id != "" {
		req.ExternalID = id
	}
	for _, item := range p.LineItems {
		productID := rawIdentifier(item.ProductID)
		if productID == "" {
			productID = item.SKU
		}
		qty := 1
		if item.Quantity != nil {
			qty = *item.Quantity
		}
		req.Lines = append(req.Lines, domain.OrderLine{ProductID: productID, Quantity: qty})
	}
	return req
}

// rawIdentifier accepts a JSON string or number.
func rawIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func validSignature(secret, body []byte, header string) bool {
	given, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(given) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), given)
}

func (h *HTTPHandler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.intake.Retry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found", "")
		case errors.Is(err, domain.ErrOrderNotRetryable):
			writeError(w, http.StatusConflict, "only failed orders can be retried", err.Error())
		default:
			h.logger.Error("manual retry failed", zap.Int64("order_id", id), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "retry could not be scheduled", "")
		}
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order, nil))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found", "")
		return
	}
	if err != nil {
		h.logger.Error("load order failed", zap.Int64("order_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "order could not be loaded", "")
		return
	}

	history, err := h.audit.Query(r.Context(), domain.SyncLogFilter{OrderID: &id, Limit: orderHistoryLimit})
	if err != nil {
		h.logger.Error("load order history failed", zap.Int64("order_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "order history could not be loaded", "")
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order, history))
}

// ListOrders pages through orders newest first, optionally by status.
func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.OrderStatus(strings.ToLower(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status", string(status))
		return
	}
	page, ok := positiveParam(w, q.Get("page"), 1, "invalid page")
	if !ok {
		return
	}
	size, ok := positiveParam(w, q.Get("page_size"), defaultPageSize, "invalid page_size")
	if !ok {
		return
	}
	if size > maxPageSize {
		writeError(w, http.StatusBadRequest, "invalid page_size", "must not exceed "+strconv.Itoa(maxPageSize))
		return
	}

	orders, total, err := h.orders.ListOrders(r.Context(), domain.OrderFilter{
		Status: status,
		Limit:  size,
		Offset: (page - 1) * size,
	})
	if err != nil {
		h.logger.Error("list orders failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "orders could not be loaded", "")
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, newOrderResponse(&orders[i], nil))
	}
	writeJSON(w, http.StatusOK, orderPageResponse{
		Orders:   out,
		Total:    total,
		Page:     page,
		PageSize: size,
	})
}

func positiveParam(w http.ResponseWriter, v string, def int, message string) (int, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, message, "")
		return 0, false
	}
	return n, true
}

func (h *HTTPHandler) ListInventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.inventory.ListItems(r.Context())
	if err != nil {
		h.logger.Error("list inventory failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "inventory could not be loaded", "")
		return
	}
	writeJSON(w, http.StatusOK, newInventoryResponses(items))
}

// ListInventoryAlerts lists items at or below their low-stock threshold.
func (h *HTTPHandler) ListInventoryAlerts(w http.ResponseWriter, r *http.Request) {
	items, err := h.inventory.ListBelowThreshold(r.Context())
	if err != nil {
		h.logger.Error("list low stock failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "inventory could not be loaded", "")
		return
	}
	writeJSON(w, http.StatusOK, newInventoryResponses(items))
}

func (h *HTTPHandler) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.SyncLogFilter{
		TaskName: q.Get("task"),
		Limit:    defaultLogLimit,
		Newest:   true,
	}
	if v := q.Get("order_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid order_id", "")
			return
		}
		filter.OrderID = &id
	}
	if v := q.Get("outcome"); v != "" {
		for _, o := range strings.Split(v, ",") {
			filter.Outcomes = append(filter.Outcomes, domain.Outcome(strings.TrimSpace(o)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		filter.Limit = min(n, maxLogLimit)
	}

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("query sync logs failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "sync logs could not be loaded", "")
		return
	}

	out := make([]syncLogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newSyncLogResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("metrics snapshot failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			components[name] = "unreachable: " + err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id", "")
		return 0, false
	}
	return id, true
}

// logRequests is the access log.
func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
