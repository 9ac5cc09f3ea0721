package orders

import (
	"encoding/json"
	"strconv"
	"time"
)

// Item is one line item of an order. Fields other than qty are carried through
// untouched.
type Item map[string]any

// Quantity returns the item's qty, defaulting to 1 when absent or unreadable.
func (i Item) Quantity() int64 {
	switch v := i["qty"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 1
}

// Amount is the charge for a set of items: the sum of their quantities.
func Amount(items []Item) int64 {
	var total int64
	for _, item := range items {
		total += item.Quantity()
	}
	return total
}

// Address is a free-form shipping address.
type Address map[string]any

// Order is the working order record passed between saga steps.
type Order struct {
	OrderID string  `json:"order_id"`
	Items   []Item  `json:"items"`
	Address Address `json:"address"`
}

// OrderState is the persisted lifecycle state of an order row.
type OrderState string

const (
	OrderStateReceived  OrderState = "received"
	OrderStateValidated OrderState = "validated"
	OrderStateShipped   OrderState = "shipped"
)

// Rank orders states so writers can refuse to move backwards.
func (s OrderState) Rank() int {
	switch s {
	case OrderStateReceived:
		return 0
	case OrderStateValidated:
		return 1
	case OrderStateShipped:
		return 2
	default:
		return -1
	}
}

// OrderRecord is a persisted order row.
type OrderRecord struct {
	ID        string     `json:"id"`
	State     OrderState `json:"state"`
	Address   Address    `json:"address"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EventType names the step that produced an audit event.
type EventType string

const (
	EventOrderReceived     EventType = "order_received"
	EventOrderValidated    EventType = "order_validated"
	EventPaymentCharged    EventType = "payment_charged"
	EventOrderShipped      EventType = "order_shipped"
	EventPackagePrepared   EventType = "package_prepared"
	EventCarrierDispatched EventType = "carrier_dispatched"
)

// Event is one append-only audit row.
type Event struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaymentStatus is the state of a payment row.
type PaymentStatus string

const PaymentStatusCharged PaymentStatus = "charged"

// Payment is the single charge recorded for a payment id.
type Payment struct {
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Amount    int64         `json:"amount"`
	Status    PaymentStatus `json:"status"`
}

type receivedPayload struct {
	Items   []Item  `json:"items"`
	Address Address `json:"address"`
}

type chargedPayload struct {
	PaymentID string        `json:"payment_id"`
	Amount    int64         `json:"amount"`
	Status    PaymentStatus `json:"status"`
}

// ReceivedPayload builds the order_received event payload.
func ReceivedPayload(items []Item, address Address) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	if address == nil {
		address = Address{}
	}
	return json.Marshal(receivedPayload{Items: items, Address: address})
}

// ChargedPayload builds the payment_charged event payload from the persisted row.
func ChargedPayload(p Payment) ([]byte, error) {
	return json.Marshal(chargedPayload{PaymentID: p.PaymentID, Amount: p.Amount, Status: p.Status})
}

// EmptyPayload is the payload of events that carry no data.
var EmptyPayload = json.RawMessage(`{}`)
