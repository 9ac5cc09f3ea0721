package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trellis/internal/saga"
)

var (
	// ErrOrderIDRequired rejects a start without an order id.
	ErrOrderIDRequired = errors.New("order id required")
	// ErrNoLedgerReader is returned by audit reads when no reader is wired.
	ErrNoLedgerReader = errors.New("ledger reads unavailable")
)

// Service is the order-facing surface over the saga engine: it derives
// instance ids from order ids and speaks the order saga's signal vocabulary.
type Service struct {
	engine           *saga.Engine
	reader           LedgerReader
	executionTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithExecutionTimeout bounds each order run. Runs still going at the
// deadline fail with saga.ErrExecutionTimeout.
func WithExecutionTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.executionTimeout = d }
}

// NewService constructs a Service. reader may be nil when audit reads are not needed.
func NewService(engine *saga.Engine, reader LedgerReader, opts ...ServiceOption) *Service {
	s := &Service{engine: engine, reader: reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins fulfillment of an order. It fails with saga.ErrAlreadyStarted
// while a saga for the order is active.
func (s *Service) Start(ctx context.Context, orderID, paymentID string, items []Item, address Address) (saga.Handle, error) {
	if orderID == "" {
		return saga.Handle{}, ErrOrderIDRequired
	}
	if paymentID == "" {
		return saga.Handle{}, ErrPaymentIDRequired
	}
	return s.engine.Start(ctx, OrderWorkflowType, OrderWorkflowID(orderID), StartInput{
		OrderID:   orderID,
		PaymentID: paymentID,
		Items:     items,
		Address:   address,
	}, saga.WithExecutionTimeout(s.executionTimeout))
}

func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	return s.signal(ctx, orderID, SignalCancelOrder, ReasonPayload{Reason: reason})
}

func (s *Service) UpdateAddress(ctx context.Context, orderID string, address Address) error {
	if address == nil {
		address = Address{}
	}
	return s.signal(ctx, orderID, SignalUpdateAddress, AddressPayload{Address: address})
}

func (s *Service) Approve(ctx context.Context, orderID string) error {
	return s.signal(ctx, orderID, SignalApprove, nil)
}

// DispatchFailed records a shipping failure reason on the order saga.
func (s *Service) DispatchFailed(ctx context.Context, orderID, reason string) error {
	return s.signal(ctx, orderID, SignalDispatchFailed, ReasonPayload{Reason: reason})
}

func (s *Service) signal(ctx context.Context, orderID, name string, payload any) error {
	sig, err := saga.NewSignal(name, payload)
	if err != nil {
		return err
	}
	return s.engine.Signal(ctx, OrderWorkflowID(orderID), sig)
}

// Status returns the order saga's latest status snapshot.
func (s *Service) Status(ctx context.Context, orderID string) (Status, error) {
	raw, err := s.engine.Query(ctx, OrderWorkflowID(orderID))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, fmt.Errorf("decode status of %s: %w", orderID, err)
	}
	return st, nil
}

// Await blocks until the order saga ends and returns "Shipped", "Canceled"
// or the fatal error.
func (s *Service) Await(ctx context.Context, orderID string) (string, error) {
	return s.engine.Await(ctx, OrderWorkflowID(orderID))
}

// Describe reports the run status of the order saga.
func (s *Service) Describe(ctx context.Context, orderID string) (saga.Description, error) {
	return s.engine.Describe(ctx, OrderWorkflowID(orderID))
}

// Order returns the persisted order row.
func (s *Service) Order(ctx context.Context, orderID string) (OrderRecord, error) {
	if s.reader == nil {
		return OrderRecord{}, ErrNoLedgerReader
	}
	return s.reader.Order(ctx, orderID)
}

// Events returns the order's audit trail.
func (s *Service) Events(ctx context.Context, orderID string) ([]Event, error) {
	if s.reader == nil {
		return nil, ErrNoLedgerReader
	}
	return s.reader.Events(ctx, orderID)
}
