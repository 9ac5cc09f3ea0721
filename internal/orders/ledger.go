package orders

import (
	"context"
	"errors"
)

var (
	// ErrNoItems is returned by OrderValidated for an order without items.
	// Ledgers wrap it with reliability.NonRetryable.
	ErrNoItems = errors.New("no items to validate")
	// ErrOrderNotFound signals that no order row exists for the id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound signals that no payment row exists for the id.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentIDRequired rejects a charge without an idempotency key.
	ErrPaymentIDRequired = errors.New("payment id required")
)

// Ledger is the set of idempotent business operations the sagas invoke.
// Every call runs in its own transaction and either commits fully or not at all.
type Ledger interface {
	OrderReceived(ctx context.Context, orderID string, items []Item, address Address) (Order, error)
	OrderValidated(ctx context.Context, order Order) (bool, error)
	PaymentCharged(ctx context.Context, order Order, paymentID string) (Payment, error)
	OrderShipped(ctx context.Context, order Order) (string, error)
	PackagePrepared(ctx context.Context, order Order) (string, error)
	CarrierDispatched(ctx context.Context, order Order) (string, error)
}

// LedgerReader exposes the audit read side of a ledger.
type LedgerReader interface {
	Order(ctx context.Context, orderID string) (OrderRecord, error)
	Events(ctx context.Context, orderID string) ([]Event, error)
	Payment(ctx context.Context, paymentID string) (Payment, error)
}

// Store is a ledger that can also be read back.
type Store interface {
	Ledger
	LedgerReader
}

// Results returned by the shipping-related operations.
const (
	ResultShipped      = "Shipped"
	ResultPackageReady = "Package ready"
	ResultDispatched   = "Dispatched"
)
