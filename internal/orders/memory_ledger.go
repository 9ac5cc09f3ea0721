package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trellis/internal/reliability"
)

// MemoryLedger keeps orders, events and payments in memory. It mirrors the
// Postgres ledger's semantics and backs local runs without a database.
type MemoryLedger struct {
	mu       sync.Mutex
	faults   FailureInjector
	now      func() time.Time
	orders   map[string]*OrderRecord
	events   []Event
	payments map[string]Payment
}

// NewMemoryLedger constructs an in-memory ledger. A nil injector never fails.
func NewMemoryLedger(faults FailureInjector) *MemoryLedger {
	if faults == nil {
		faults = NoFailures{}
	}
	return &MemoryLedger{
		faults:   faults,
		now:      time.Now,
		orders:   make(map[string]*OrderRecord),
		payments: make(map[string]Payment),
	}
}

func (l *MemoryLedger) OrderReceived(ctx context.Context, orderID string, items []Item, address Address) (Order, error) {
	if err := l.faults.Inject(ctx, OpOrderReceived); err != nil {
		return Order{}, err
	}
	if items == nil {
		items = []Item{}
	}
	if address == nil {
		address = Address{}
	}
	payload, err := ReceivedPayload(items, address)
	if err != nil {
		return Order{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if rec, ok := l.orders[orderID]; ok {
		rec.UpdatedAt = now
	} else {
		l.orders[orderID] = &OrderRecord{
			ID:        orderID,
			State:     OrderStateReceived,
			Address:   address,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	l.appendLocked(orderID, EventOrderReceived, payload, now)

	return Order{OrderID: orderID, Items: items, Address: address}, nil
}

func (l *MemoryLedger) OrderValidated(ctx context.Context, order Order) (bool, error) {
	if err := l.faults.Inject(ctx, OpOrderValidated); err != nil {
		return false, err
	}
	if len(order.Items) == 0 {
		return false, reliability.NonRetryable(ErrNoItems)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.advanceLocked(order.OrderID, OrderStateValidated); err != nil {
		return false, err
	}
	l.appendLocked(order.OrderID, EventOrderValidated, EmptyPayload, l.now())
	return true, nil
}

func (l *MemoryLedger) PaymentCharged(ctx context.Context, order Order, paymentID string) (Payment, error) {
	if err := l.faults.Inject(ctx, OpPaymentCharged); err != nil {
		return Payment{}, err
	}
	if paymentID == "" {
		return Payment{}, reliability.NonRetryable(ErrPaymentIDRequired)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[order.OrderID]; !ok {
		return Payment{}, fmt.Errorf("charge %s: %w", order.OrderID, ErrOrderNotFound)
	}
	payment, ok := l.payments[paymentID]
	if !ok {
		payment = Payment{
			PaymentID: paymentID,
			OrderID:   order.OrderID,
			Amount:    Amount(order.Items),
			Status:    PaymentStatusCharged,
		}
		l.payments[paymentID] = payment
	}
	payload, err := ChargedPayload(payment)
	if err != nil {
		return Payment{}, err
	}
	l.appendLocked(order.OrderID, EventPaymentCharged, payload, l.now())
	return payment, nil
}

func (l *MemoryLedger) OrderShipped(ctx context.Context, order Order) (string, error) {
	if err := l.faults.Inject(ctx, OpOrderShipped); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.advanceLocked(order.OrderID, OrderStateShipped); err != nil {
		return "", err
	}
	l.appendLocked(order.OrderID, EventOrderShipped, EmptyPayload, l.now())
	return ResultShipped, nil
}

func (l *MemoryLedger) PackagePrepared(ctx context.Context, order Order) (string, error) {
	if err := l.faults.Inject(ctx, OpPackagePrepared); err != nil {
		return "", err
	}
	if err := l.appendEvent(order.OrderID, EventPackagePrepared); err != nil {
		return "", err
	}
	return ResultPackageReady, nil
}

func (l *MemoryLedger) CarrierDispatched(ctx context.Context, order Order) (string, error) {
	if err := l.faults.Inject(ctx, OpCarrierDispatched); err != nil {
		return "", err
	}
	if err := l.appendEvent(order.OrderID, EventCarrierDispatched); err != nil {
		return "", err
	}
	return ResultDispatched, nil
}

// Order returns the stored order row.
func (l *MemoryLedger) Order(ctx context.Context, orderID string) (OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.orders[orderID]
	if !ok {
		return OrderRecord{}, ErrOrderNotFound
	}
	return *rec, nil
}

// Events returns the order's audit trail in insertion order.
func (l *MemoryLedger) Events(ctx context.Context, orderID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Payment returns the payment row for the idempotency key.
func (l *MemoryLedger) Payment(ctx context.Context, paymentID string) (Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payment, ok := l.payments[paymentID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return payment, nil
}

// PaymentCount reports how many payment rows exist (for testing/inspection).
func (l *MemoryLedger) PaymentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payments)
}

func (l *MemoryLedger) appendEvent(orderID string, typ EventType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[orderID]; !ok {
		return fmt.Errorf("%s for %s: %w", typ, orderID, ErrOrderNotFound)
	}
	l.appendLocked(orderID, typ, EmptyPayload, l.now())
	return nil
}

func (l *MemoryLedger) advanceLocked(orderID string, state OrderState) error {
	rec, ok := l.orders[orderID]
	if !ok {
		return fmt.Errorf("advance %s to %s: %w", orderID, state, ErrOrderNotFound)
	}
	if rec.State.Rank() < state.Rank() {
		rec.State = state
	}
	rec.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) appendLocked(orderID string, typ EventType, payload []byte, at time.Time) {
	l.events = append(l.events, Event{
		ID:        int64(len(l.events) + 1),
		OrderID:   orderID,
		Type:      typ,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: at,
	})
}
