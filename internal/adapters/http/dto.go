package httpapi

import "trellis/internal/orders"

type StartOrderRequest struct {
	PaymentID string         `json:"payment_id"`
	Items     []orders.Item  `json:"items"`
	Address   orders.Address `json:"address"`
}

type StartOrderResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type UpdateAddressRequest struct {
	Address orders.Address `json:"address"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ResultResponse struct {
	Result string `json:"result"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
