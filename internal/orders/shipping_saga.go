package orders

import (
	"context"
	"fmt"

	"trellis/internal/saga"
)

// ShippingInput is the shipping saga's start argument.
type ShippingInput struct {
	Order    Order  `json:"order"`
	ParentID string `json:"parent_id"`
}

// Shipping steps reported by the shipping saga's snapshot.
const (
	ShipStepPrepare  = "prepare_package"
	ShipStepDispatch = "dispatch_carrier"
	ShipStepDone     = "dispatched"
)

// ShippingStatus is the shipping saga's query payload.
type ShippingStatus struct {
	OrderID string `json:"order_id"`
	Step    string `json:"step"`
}

// ShippingSaga prepares and dispatches a package. When dispatch gives up it
// tells its parent through dispatch_failed before failing itself.
type ShippingSaga struct {
	ledger Ledger
	in     ShippingInput
	status ShippingStatus
}

func newShippingSaga(cfg WorkflowConfig, in ShippingInput) *ShippingSaga {
	return &ShippingSaga{
		ledger: cfg.Ledger,
		in:     in,
		status: ShippingStatus{OrderID: in.Order.OrderID, Step: ShipStepPrepare},
	}
}

func (s *ShippingSaga) Run(c *saga.Context) (string, error) {
	order := s.in.Order

	if _, err := saga.ExecuteActivity(c, ActivityPackagePrepared, func(ctx context.Context) (string, error) {
		return s.ledger.PackagePrepared(ctx, order)
	}); err != nil {
		return "", err
	}
	s.status.Step = ShipStepDispatch

	if _, err := saga.ExecuteActivity(c, ActivityCarrierDispatched, func(ctx context.Context) (string, error) {
		return s.ledger.CarrierDispatched(ctx, order)
	}); err != nil {
		if s.in.ParentID != "" {
			sig, serr := saga.NewSignal(SignalDispatchFailed, ReasonPayload{Reason: err.Error()})
			if serr == nil {
				serr = c.SignalExternal(s.in.ParentID, sig)
			}
			if serr != nil {
				c.Logger().Warn("parent not told about dispatch failure", "parent_id", s.in.ParentID, "error", serr)
			}
		}
		return "", err
	}
	s.status.Step = ShipStepDone
	return ResultShipped, nil
}

func (s *ShippingSaga) HandleSignal(sig saga.Signal) error {
	return fmt.Errorf("shipping saga accepts no signals, got %q", sig.Name)
}

func (s *ShippingSaga) Snapshot() any {
	return s.status
}
