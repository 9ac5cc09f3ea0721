package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trellis/internal/orders"
	"trellis/internal/saga"
)

const (
	defaultResultTimeout = 30 * time.Second
	maxResultTimeout     = 5 * time.Minute
)

// OrderService is the order surface served over HTTP.
type OrderService interface {
	Start(ctx context.Context, orderID, paymentID string, items []orders.Item, address orders.Address) (saga.Handle, error)
	Cancel(ctx context.Context, orderID, reason string) error
	UpdateAddress(ctx context.Context, orderID string, address orders.Address) error
	Approve(ctx context.Context, orderID string) error
	Status(ctx context.Context, orderID string) (orders.Status, error)
	Await(ctx context.Context, orderID string) (string, error)
	Order(ctx context.Context, orderID string) (orders.OrderRecord, error)
	Events(ctx context.Context, orderID string) ([]orders.Event, error)
}

// Handler serves the order endpoints.
type Handler struct {
	service OrderService
	logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// StartOrder begins fulfillment of the order named in the path.
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req StartOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Items == nil {
		req.Items = []orders.Item{}
	}
	if req.Address == nil {
		req.Address = orders.Address{}
	}

	// The saga outlives the request.
	handle, err := h.service.Start(context.WithoutCancel(r.Context()), orderID, req.PaymentID, req.Items, req.Address)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "order saga started", "order_id", orderID, "run_id", handle.RunID)
	writeJSON(w, http.StatusCreated, StartOrderResponse{WorkflowID: handle.WorkflowID, RunID: handle.RunID})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	h.signalResult(w, r, h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason))
}

func (h *Handler) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	var req UpdateAddressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Address == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}
	h.signalResult(w, r, h.service.UpdateAddress(r.Context(), chi.URLParam(r, "id"), req.Address))
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.signalResult(w, r, h.service.Approve(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) signalResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

// Status returns the order saga's status snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Result blocks until the saga ends or the ?timeout= bound passes.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	timeout := defaultResultTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a positive duration such as 10s")
			return
		}
		timeout = min(d, maxResultTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := h.service.Await(ctx, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ResultResponse{Result: result})
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		writeError(w, http.StatusGatewayTimeout, "timeout", "saga still running")
	case errors.Is(err, saga.ErrInstanceNotFound):
		h.writeServiceError(w, r, err)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	}
}

// GetOrder returns the persisted order row.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Order(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Events returns the order's audit trail.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []orders.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, saga.ErrInstanceNotFound), errors.Is(err, saga.ErrNoStatus):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, saga.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, "already_started", err.Error())
	case errors.Is(err, orders.ErrOrderIDRequired), errors.Is(err, orders.ErrPaymentIDRequired):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, saga.ErrShutdown), errors.Is(err, orders.ErrNoLedgerReader):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
