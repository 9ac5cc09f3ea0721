package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trellis/internal/observability"
	"trellis/internal/orders"
	"trellis/internal/saga"
)

type fakeService struct {
	startErr  error
	signalErr error
	status    orders.Status
	statusErr error
	result    string
	awaitErr  error
	awaitWait bool
	order     orders.OrderRecord
	orderErr  error
	events    []orders.Event

	started  StartOrderRequest
	signals  []string
	reason   string
	address  orders.Address
	startCtx context.Context
}

func (f *fakeService) Start(ctx context.Context, orderID, paymentID string, items []orders.Item, address orders.Address) (saga.Handle, error) {
	f.startCtx = ctx
	f.started = StartOrderRequest{PaymentID: paymentID, Items: items, Address: address}
	if f.startErr != nil {
		return saga.Handle{}, f.startErr
	}
	return saga.Handle{WorkflowID: orders.OrderWorkflowID(orderID), RunID: "run-1"}, nil
}

func (f *fakeService) Cancel(_ context.Context, _ string, reason string) error {
	f.signals = append(f.signals, orders.SignalCancelOrder)
	f.reason = reason
	return f.signalErr
}

func (f *fakeService) UpdateAddress(_ context.Context, _ string, address orders.Address) error {
	f.signals = append(f.signals, orders.SignalUpdateAddress)
	f.address = address
	return f.signalErr
}

func (f *fakeService) Approve(context.Context, string) error {
	f.signals = append(f.signals, orders.SignalApprove)
	return f.signalErr
}

func (f *fakeService) Status(context.Context, string) (orders.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeService) Await(ctx context.Context, _ string) (string, error) {
	if f.awaitWait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.result, f.awaitErr
}

func (f *fakeService) Order(context.Context, string) (orders.OrderRecord, error) {
	return f.order, f.orderErr
}

func (f *fakeService) Events(context.Context, string) ([]orders.Event, error) {
	return f.events, nil
}

func newTestRouter(svc OrderService, cfg RouterConfig) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Logger = logger
	return NewRouter(NewHandler(svc, logger), cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestStartOrder_Created(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, RouterConfig{})

	rr := do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":"pay-42","items":[{"sku":"mug","qty":2}],"address":{"city":"Lisbon"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[StartOrderResponse](t, rr)
	if resp.WorkflowID != "order-42" || resp.RunID != "run-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if svc.started.PaymentID != "pay-42" || len(svc.started.Items) != 1 || svc.started.Address["city"] != "Lisbon" {
		t.Fatalf("unexpected start args %+v", svc.started)
	}
	if svc.startCtx.Done() != nil {
		t.Fatalf("saga start must not inherit the request cancellation")
	}
}

func TestStartOrder_DefaultsMissingItemsAndAddress(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, RouterConfig{})

	rr := do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":"pay-42"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if svc.started.Items == nil || svc.started.Address == nil {
		t.Fatalf("expected empty items and address, got %+v", svc.started)
	}
}

func TestStartOrder_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{saga.ErrAlreadyStarted, http.StatusConflict},
		{orders.ErrPaymentIDRequired, http.StatusBadRequest},
		{saga.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newTestRouter(&fakeService{startErr: tc.err}, RouterConfig{})
		rr := do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":"p"}`)
		if rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
	}
}

func TestStartOrder_InvalidJSON(t *testing.T) {
	h := newTestRouter(&fakeService{}, RouterConfig{})
	rr := do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rr); resp.Error != "invalid_json" {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestSignals_Accepted(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, RouterConfig{})

	if rr := do(t, h, http.MethodPost, "/orders/42/signals/cancel", `{"reason":"changed mind"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/orders/42/signals/update-address", `{"address":{"city":"Porto"}}`); rr.Code != http.StatusAccepted {
		t.Fatalf("update-address: expected 202, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/orders/42/signals/approve", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("approve: expected 202, got %d", rr.Code)
	}
	if !decodeBody[OKResponse](t, rr).OK {
		t.Fatalf("expected ok:true")
	}

	want := []string{orders.SignalCancelOrder, orders.SignalUpdateAddress, orders.SignalApprove}
	if fmt.Sprint(svc.signals) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, svc.signals)
	}
	if svc.reason != "changed mind" || svc.address["city"] != "Porto" {
		t.Fatalf("unexpected payloads %q %+v", svc.reason, svc.address)
	}
}

func TestSignals_UnknownOrderIsNotFound(t *testing.T) {
	h := newTestRouter(&fakeService{signalErr: fmt.Errorf("wrap: %w", saga.ErrInstanceNotFound)}, RouterConfig{})
	if rr := do(t, h, http.MethodPost, "/orders/nope/signals/approve", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSignals_UpdateAddressRequiresAddress(t *testing.T) {
	h := newTestRouter(&fakeService{}, RouterConfig{})
	if rr := do(t, h, http.MethodPost, "/orders/42/signals/update-address", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	svc := &fakeService{status: orders.Status{Step: orders.StepManualReview, Address: orders.Address{"city": "Lisbon"}}}
	h := newTestRouter(svc, RouterConfig{})

	rr := do(t, h, http.MethodGet, "/orders/42/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	st := decodeBody[orders.Status](t, rr)
	if st.Step != orders.StepManualReview || st.DispatchFailedReason != nil {
		t.Fatalf("unexpected status %+v", st)
	}

	svc.statusErr = saga.ErrNoStatus
	if rr := do(t, h, http.MethodGet, "/orders/42/status", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without status, got %d", rr.Code)
	}
}

func TestResult(t *testing.T) {
	h := newTestRouter(&fakeService{result: "Shipped"}, RouterConfig{})
	rr := do(t, h, http.MethodGet, "/orders/42/result", "")
	if rr.Code != http.StatusOK || decodeBody[ResultResponse](t, rr).Result != "Shipped" {
		t.Fatalf("unexpected result %d %s", rr.Code, rr.Body.String())
	}

	failed := &saga.ChildError{ChildID: "ship-42", Err: errors.New("carrier down")}
	h = newTestRouter(&fakeService{awaitErr: failed}, RouterConfig{})
	rr = do(t, h, http.MethodGet, "/orders/42/result", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if !strings.Contains(decodeBody[ErrorResponse](t, rr).Error, "carrier down") {
		t.Fatalf("expected failure cause in body, got %s", rr.Body.String())
	}
}

func TestResult_TimeoutAndValidation(t *testing.T) {
	h := newTestRouter(&fakeService{awaitWait: true}, RouterConfig{})

	start := time.Now()
	rr := do(t, h, http.MethodGet, "/orders/42/result?timeout=20ms", "")
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honored")
	}
	if rr := do(t, h, http.MethodGet, "/orders/42/result?timeout=soon", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timeout, got %d", rr.Code)
	}
}

func TestOrderAndEvents(t *testing.T) {
	svc := &fakeService{
		order:  orders.OrderRecord{ID: "42", State: orders.OrderStateValidated},
		events: []orders.Event{{ID: 1, OrderID: "42", Type: orders.EventOrderReceived, Payload: json.RawMessage(`{}`)}},
	}
	h := newTestRouter(svc, RouterConfig{})

	rr := do(t, h, http.MethodGet, "/orders/42", "")
	if rr.Code != http.StatusOK || decodeBody[orders.OrderRecord](t, rr).State != orders.OrderStateValidated {
		t.Fatalf("unexpected order %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/orders/42/events", "")
	if events := decodeBody[[]orders.Event](t, rr); len(events) != 1 || events[0].Type != orders.EventOrderReceived {
		t.Fatalf("unexpected events %s", rr.Body.String())
	}

	svc.orderErr = orders.ErrOrderNotFound
	if rr := do(t, h, http.MethodGet, "/orders/42", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	ready := false
	h := newTestRouter(&fakeService{}, RouterConfig{Ready: func() bool { return ready }})
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rr.Code)
	}
	ready = true
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rr.Code)
	}
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Wait(context.Context) error {
	d.calls++
	return context.DeadlineExceeded
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	limiter := &denyLimiter{}
	h := newTestRouter(&fakeService{}, RouterConfig{Limiter: limiter})

	if rr := do(t, h, http.MethodPost, "/orders/42/signals/approve", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":"p"}`); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on start, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/orders/42/status", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads are not throttled, got %d", rr.Code)
	}
	if limiter.calls != 2 {
		t.Fatalf("expected 2 limiter calls, got %d", limiter.calls)
	}
}

func TestMetricsPerRoute(t *testing.T) {
	metrics := observability.NewMetrics()
	h := newTestRouter(&fakeService{startErr: errors.New("boom")}, RouterConfig{Metrics: metrics})

	do(t, h, http.MethodPost, "/orders/42/start", `{"payment_id":"p"}`)
	do(t, h, http.MethodGet, "/orders/42/status", "")

	snap := metrics.Snapshot()
	if m := snap.Methods["orders.start"]; m.Count != 1 || m.Errors != 1 {
		t.Fatalf("unexpected start metrics %+v", m)
	}
	if m := snap.Methods["orders.status"]; m.Count != 1 || m.Errors != 0 {
		t.Fatalf("unexpected status metrics %+v", m)
	}

	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || decodeBody[observability.Snapshot](t, rr).TotalRequests != 2 {
		t.Fatalf("unexpected metrics body %s", rr.Body.String())
	}
}
