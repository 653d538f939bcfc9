package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"reconcile-svc/channels"
	"reconcile-svc/config"
	"reconcile-svc/idempotency"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/poller"
	"reconcile-svc/reconcile"
	"reconcile-svc/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const webhookSecret = "s3cret"

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(models.DispatchKey) {}

func setupEngine(t *testing.T) (*reconcile.Engine, *store.BoltStore) {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "handlers.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guard := idempotency.NewGuard(st, 72*time.Hour, logger)
	engine := reconcile.NewEngine(st, guard, nopEnqueuer{}, reconcile.Options{CashTolerance: decimal.NewFromInt(500)}, logger)

	_, err = engine.CreateOrder(context.Background(), models.CreateOrderRequest{
		ID:            "O1",
		Total:         decimal.NewFromInt(50000),
		PaymentMethod: models.PaymentMethodMTNMoMo,
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return engine, st
}

func withActor(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ActorKey, name)
		c.Next()
	}
}

func mtnRequest(t *testing.T, body string, secret string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mtn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", channels.SignTimestamped([]byte(secret), []byte(body), ts))
	return req
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) models.TransitionResult {
	t.Helper()
	var res models.TransitionResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return res
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	expectedBody := `{"service":"reconcile-service","status":"healthy"}`
	if w.Body.String() != expectedBody {
		t.Errorf("Expected body %s, got %s", expectedBody, w.Body.String())
	}
}

func setupWebhookRouter(t *testing.T, engine Processor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewWebhookHandler(engine, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	router := gin.New()
	router.POST("/webhooks/mtn", handler.Push(channels.NewMTNWebhook(config.WebhookConfig{Secret: webhookSecret, MaxAge: 5 * time.Minute})))
	return router
}

const mtnSuccess = `{"financialTransactionId":"MP-1","externalId":"O1","amount":"50000","currency":"UGX","status":"SUCCESSFUL","payer":{"partyIdType":"MSISDN","partyId":"256772123456"}}`

func TestWebhook_AppliedThenDuplicate(t *testing.T) {
	engine, _ := setupEngine(t)
	router := setupWebhookRouter(t, engine)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, mtnSuccess, webhookSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if res := decodeResult(t, w); !res.Applied || res.NewStatus != models.OrderStatusPaid {
		t.Errorf("Expected applied transition to paid, got %+v", res)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, mtnSuccess, webhookSecret))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d for duplicate, got %d", http.StatusOK, w.Code)
	}
	if res := decodeResult(t, w); !res.Duplicate || res.Applied {
		t.Errorf("Expected duplicate, got %+v", res)
	}
}

func TestWebhook_AmountMismatchIsAcknowledged(t *testing.T) {
	engine, st := setupEngine(t)
	router := setupWebhookRouter(t, engine)

	body := strings.Replace(mtnSuccess, `"50000"`, `"49000"`, 1)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, body, webhookSecret))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if res := decodeResult(t, w); res.RejectionReason != models.RejectionAmountMismatch {
		t.Errorf("Expected amount-mismatch, got %+v", res)
	}

	order, err := st.GetOrder(context.Background(), "O1")
	if err != nil {
		t.Fatalf("Failed to load order: %v", err)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected order to stay pending, got %s", order.Status)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	engine, _ := setupEngine(t)
	router := setupWebhookRouter(t, engine)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, mtnSuccess, "wrong"))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestWebhook_Malformed(t *testing.T) {
	engine, _ := setupEngine(t)
	router := setupWebhookRouter(t, engine)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, `{"externalId":"O1"}`, webhookSecret))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, models.PaymentEvent) (models.TransitionResult, error) {
	return models.TransitionResult{}, errors.New("database unavailable")
}

func TestWebhook_InfrastructureFailure(t *testing.T) {
	router := setupWebhookRouter(t, failingProcessor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, mtnRequest(t, mtnSuccess, webhookSecret))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

type fakeDispatches struct {
	retried []models.DispatchKey
	err     error
}

func (f *fakeDispatches) Failed(context.Context) ([]models.DispatchRecord, error) {
	return nil, nil
}

func (f *fakeDispatches) Retry(_ context.Context, key models.DispatchKey) error {
	f.retried = append(f.retried, key)
	return f.err
}

func setupAdminRouter(t *testing.T, engine OperationsEngine, rejections store.RejectionStore, dispatches DispatchOperator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewAdminHandler(engine, rejections, dispatches, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	router := gin.New()
	admin := router.Group("/admin", withActor("ops@shop.ug"))
	admin.POST("/payments/manual", handler.ManualPayment)
	admin.POST("/payments/cash", handler.CashPayment)
	admin.POST("/orders/:id/ship", handler.Ship)
	admin.POST("/orders/:id/cancel", handler.Cancel)
	admin.GET("/rejections", handler.ListRejections)
	admin.POST("/rejections/:rid/resolve", handler.ResolveRejection)
	admin.GET("/dispatches/failed", handler.FailedDispatches)
	admin.POST("/dispatches/:id/:status/retry", handler.RetryDispatch)
	return router
}

func postJSON(router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdmin_ManualPayment(t *testing.T) {
	engine, st := setupEngine(t)
	router := setupAdminRouter(t, engine, st, &fakeDispatches{})

	w := postJSON(router, "/admin/payments/manual", channels.ManualEntryForm{
		OrderRef:       "O1",
		ReportedAmount: "50000",
		Currency:       "UGX",
		TransactionID:  "TX-77",
		EvidenceNote:   "SMS on till phone 10:02",
		Outcome:        "successful",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if res := decodeResult(t, w); !res.Applied {
		t.Errorf("Expected manual entry to pay the order, got %+v", res)
	}

	order, err := st.GetOrder(context.Background(), "O1")
	if err != nil {
		t.Fatalf("Failed to load order: %v", err)
	}
	if got := order.History[0].Evidence.Actor; got != "ops@shop.ug" {
		t.Errorf("Expected actor ops@shop.ug in evidence, got %q", got)
	}
}

func TestAdmin_ManualPaymentValidation(t *testing.T) {
	engine, st := setupEngine(t)
	router := setupAdminRouter(t, engine, st, &fakeDispatches{})

	w := postJSON(router, "/admin/payments/manual", channels.ManualEntryForm{OrderRef: "O1", ReportedAmount: "50000"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestAdmin_CashOutsideTolerance(t *testing.T) {
	engine, st := setupEngine(t)
	router := setupAdminRouter(t, engine, st, &fakeDispatches{})

	w := postJSON(router, "/admin/payments/cash", channels.CashConfirmationForm{
		OrderRef:       "O1",
		ReportedAmount: "49000",
		Currency:       "UGX",
		ReceiptNumber:  "R-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if res := decodeResult(t, w); res.RejectionReason != models.RejectionAmountMismatch {
		t.Errorf("Expected amount-mismatch, got %+v", res)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/rejections?reason=amount-mismatch", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var rejections []models.Rejection
	if err := json.Unmarshal(w.Body.Bytes(), &rejections); err != nil {
		t.Fatalf("Failed to decode rejections: %v", err)
	}
	if len(rejections) != 1 || rejections[0].Channel != models.ChannelCOD {
		t.Errorf("Expected one cash rejection, got %+v", rejections)
	}
}

func TestAdmin_ShipPendingOrderConflicts(t *testing.T) {
	engine, st := setupEngine(t)
	router := setupAdminRouter(t, engine, st, &fakeDispatches{})

	w := postJSON(router, "/admin/orders/O1/ship", orderActionRequest{Note: "handed to courier"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}

	w = postJSON(router, "/admin/orders/O1/cancel", orderActionRequest{})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = postJSON(router, "/admin/orders/missing/cancel", orderActionRequest{})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestAdmin_ResolveRejection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	router := setupAdminRouter(t, nil, store.NewPostgresStore(db, logger), &fakeDispatches{})
	id := uuid.New()

	mock.ExpectExec("UPDATE payment_rejections SET resolved_at").
		WithArgs(id, sqlmock.AnyArg(), "ops@shop.ug").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_rejections SET resolved_at").
		WithArgs(id, sqlmock.AnyArg(), "ops@shop.ug").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := postJSON(router, "/admin/rejections/"+id.String()+"/resolve", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	w = postJSON(router, "/admin/rejections/"+id.String()+"/resolve", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	w = postJSON(router, "/admin/rejections/not-a-uuid/resolve", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestAdmin_RetryDispatch(t *testing.T) {
	dispatches := &fakeDispatches{}
	router := setupAdminRouter(t, nil, nil, dispatches)

	w := postJSON(router, "/admin/dispatches/O1/paid/retry", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if len(dispatches.retried) != 1 || dispatches.retried[0].String() != "O1/paid" {
		t.Errorf("Unexpected retries %+v", dispatches.retried)
	}

	w = postJSON(router, "/admin/dispatches/O1/refunded/retry", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	dispatches.err = store.ErrNotFound
	w = postJSON(router, "/admin/dispatches/O2/paid/retry", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestAdmin_FailedDispatchesEmpty(t *testing.T) {
	router := setupAdminRouter(t, nil, nil, &fakeDispatches{})

	req := httptest.NewRequest(http.MethodGet, "/admin/dispatches/failed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("Expected empty list, got %d %s", w.Code, w.Body.String())
	}
}

func setupOrderRouter(t *testing.T, orders OrderService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewOrderHandler(orders, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	router := gin.New()
	router.POST("/orders", handler.CreateOrder)
	router.GET("/orders/:id", handler.GetOrder)
	return router
}

func TestOrderHandler_GetOrder_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	st := store.NewPostgresStore(db, logger)
	engine := reconcile.NewEngine(st, idempotency.NewGuard(st, time.Hour, logger), nopEnqueuer{}, reconcile.Options{}, logger)
	router := setupOrderRouter(t, engine)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id = \\$1").
		WithArgs("999").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/orders/999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateAndGet(t *testing.T) {
	engine, _ := setupEngine(t)
	router := setupOrderRouter(t, engine)

	w := postJSON(router, "/orders", map[string]any{
		"id":             "O9",
		"total":          "75000",
		"payment_method": "cod",
		"customer_phone": "0772123456",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	w = postJSON(router, "/orders", map[string]any{"id": "O9", "total": "75000", "payment_method": "cod"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}

	w = postJSON(router, "/orders", map[string]any{"id": "O10", "total": "75000", "payment_method": "barter"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/orders/O9", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var order models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("Failed to decode order: %v", err)
	}
	if order.Status != models.OrderStatusPending || order.Currency != "UGX" {
		t.Errorf("Unexpected order %+v", order)
	}
}

type fakePesapal struct {
	submissions int
}

func (f *fakePesapal) SubmitOrder(_ context.Context, order models.Order) (channels.PesapalSubmission, error) {
	f.submissions++
	return channels.PesapalSubmission{TrackingID: "track-1", MerchantReference: order.ID, RedirectURL: "https://pay.example/track-1"}, nil
}

func (f *fakePesapal) ValidateIPN(ipn channels.PesapalIPN) error {
	if ipn.OrderTrackingID == "" || ipn.OrderMerchantReference == "" {
		return &channels.AdapterError{Channel: models.ChannelPesapal, Kind: channels.KindMalformed, Reason: "missing fields"}
	}
	return nil
}

func (f *fakePesapal) IPNAck(ipn channels.PesapalIPN, status int) channels.PesapalIPNAck {
	return channels.PesapalIPNAck{OrderNotificationType: "IPNCHANGE", OrderTrackingID: ipn.OrderTrackingID, OrderMerchantReference: ipn.OrderMerchantReference, Status: status}
}

type fakeChecker struct {
	checked []string
	err     error
}

func (f *fakeChecker) CheckOrder(_ context.Context, id string) (poller.CheckResult, error) {
	f.checked = append(f.checked, id)
	return poller.CheckResult{Status: models.OrderStatusPending}, f.err
}

func setupPaymentRouter(t *testing.T, engine PaymentEngine, pesapal PesapalGateway, checker StatusChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewPaymentHandler(engine, pesapal, checker, nil, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	router := gin.New()
	router.POST("/payments/pesapal/:id/initiate", handler.InitiatePesapal)
	router.GET("/payments/pesapal/:id/status", handler.PesapalStatus)
	router.GET("/webhooks/pesapal/ipn", handler.PesapalIPN)
	router.POST("/webhooks/pesapal/ipn", handler.PesapalIPN)
	return router
}

func TestPesapal_InitiateEngagesOnce(t *testing.T) {
	engine, st := setupEngine(t)
	_, err := engine.CreateOrder(context.Background(), models.CreateOrderRequest{
		ID:            "P1",
		Total:         decimal.NewFromInt(50000),
		PaymentMethod: models.PaymentMethodPesapal,
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	gw := &fakePesapal{}
	router := setupPaymentRouter(t, engine, gw, &fakeChecker{})

	w := postJSON(router, "/payments/pesapal/P1/initiate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	order, err := st.GetOrder(context.Background(), "P1")
	if err != nil {
		t.Fatalf("Failed to load order: %v", err)
	}
	if order.ExternalReference != "track-1" {
		t.Errorf("Expected order engaged with track-1, got %q", order.ExternalReference)
	}

	w = postJSON(router, "/payments/pesapal/P1/initiate", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
	if gw.submissions != 1 {
		t.Errorf("Expected one gateway submission, got %d", gw.submissions)
	}
}

func TestPesapal_InitiateRefusesOtherPaymentMethod(t *testing.T) {
	engine, st := setupEngine(t)
	gw := &fakePesapal{}
	router := setupPaymentRouter(t, engine, gw, &fakeChecker{})

	// O1 was checked out with MTN MoMo; the Pesapal poller would never scan it.
	w := postJSON(router, "/payments/pesapal/O1/initiate", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if gw.submissions != 0 {
		t.Errorf("Expected no gateway submission, got %d", gw.submissions)
	}
	order, err := st.GetOrder(context.Background(), "O1")
	if err != nil {
		t.Fatalf("Failed to load order: %v", err)
	}
	if order.ExternalReference != "" {
		t.Errorf("Expected order left unengaged, got %q", order.ExternalReference)
	}
}

func TestPesapal_Status(t *testing.T) {
	engine, _ := setupEngine(t)
	checker := &fakeChecker{}
	router := setupPaymentRouter(t, engine, &fakePesapal{}, checker)

	req := httptest.NewRequest(http.MethodGet, "/payments/pesapal/O1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	checker.err = poller.ErrOrderNotFound
	req = httptest.NewRequest(http.MethodGet, "/payments/pesapal/nope/status", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	checker.err = channels.ErrNotEngaged
	req = httptest.NewRequest(http.MethodGet, "/payments/pesapal/O1/status", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestPesapal_IPNTriggersCheck(t *testing.T) {
	engine, _ := setupEngine(t)
	checker := &fakeChecker{}
	router := setupPaymentRouter(t, engine, &fakePesapal{}, checker)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/pesapal/ipn?OrderTrackingId=track-1&OrderMerchantReference=O1&OrderNotificationType=IPNCHANGE", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var ack channels.PesapalIPNAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ack.Status != http.StatusOK || ack.OrderMerchantReference != "O1" {
		t.Errorf("Unexpected ack %+v", ack)
	}
	if len(checker.checked) != 1 || checker.checked[0] != "O1" {
		t.Errorf("Expected one status check for O1, got %v", checker.checked)
	}

	checker.err = errors.New("gateway timeout")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/pesapal/ipn?OrderTrackingId=track-1&OrderMerchantReference=O1", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ack.Status != http.StatusInternalServerError {
		t.Errorf("Expected ack status 500 so Pesapal resends, got %d", ack.Status)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/pesapal/ipn", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}
