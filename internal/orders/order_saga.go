package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qmuntal/stateless"

	"trellis/internal/saga"
)

// Step is the order saga's position in the fulfillment sequence.
type Step string

const (
	StepInit         Step = "init"
	StepReceive      Step = "receive"
	StepValidate     Step = "validate"
	StepManualReview Step = "manual_review"
	StepCharge       Step = "charge"
	StepShipping     Step = "shipping"
	StepShipped      Step = "shipped"
	StepCanceled     Step = "canceled"
)

var stepRank = map[Step]int{
	StepInit:         0,
	StepReceive:      1,
	StepValidate:     2,
	StepManualReview: 3,
	StepCharge:       4,
	StepShipping:     5,
	StepShipped:      6,
}

// Rank orders the forward steps. Canceled ranks after manual_review.
func (s Step) Rank() int {
	if s == StepCanceled {
		return stepRank[StepManualReview] + 1
	}
	if r, ok := stepRank[s]; ok {
		return r
	}
	return -1
}

// Signal names accepted by the order saga.
const (
	SignalCancelOrder    = "cancel_order"
	SignalUpdateAddress  = "update_address"
	SignalApprove        = "approve"
	SignalDispatchFailed = "dispatch_failed"
)

// Activity names as journaled by the engine.
const (
	ActivityOrderReceived     = "order_received"
	ActivityOrderValidated    = "order_validated"
	ActivityPaymentCharged    = "payment_charged"
	ActivityOrderShipped      = "order_shipped"
	ActivityPackagePrepared   = "package_prepared"
	ActivityCarrierDispatched = "carrier_dispatched"
)

// Terminal results of the order saga.
const (
	ResultCanceled = "Canceled"
)

// ErrReviewTimeout ends a run whose manual review expired under ReviewFail.
var ErrReviewTimeout = errors.New("manual review timed out")

// ReviewTimeoutPolicy decides what an expired manual-review wait does.
type ReviewTimeoutPolicy string

const (
	// ReviewWait keeps the order suspended in manual_review until a signal arrives.
	ReviewWait ReviewTimeoutPolicy = "wait"
	// ReviewCancel treats the expiry as a cancellation.
	ReviewCancel ReviewTimeoutPolicy = "cancel"
	// ReviewFail ends the run with ErrReviewTimeout.
	ReviewFail ReviewTimeoutPolicy = "fail"
)

// ParseReviewTimeoutPolicy accepts wait, cancel or fail. Empty means wait.
func ParseReviewTimeoutPolicy(s string) (ReviewTimeoutPolicy, error) {
	switch p := ReviewTimeoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ReviewWait, nil
	case ReviewWait, ReviewCancel, ReviewFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown review timeout policy %q", s)
	}
}

// StartInput is the order saga's start argument.
type StartInput struct {
	OrderID   string  `json:"order_id"`
	PaymentID string  `json:"payment_id"`
	Items     []Item  `json:"items"`
	Address   Address `json:"address"`
}

// Status is the order saga's query payload.
type Status struct {
	Step                 Step    `json:"step"`
	Approved             bool    `json:"approved"`
	Canceled             bool    `json:"canceled"`
	Address              Address `json:"address"`
	DispatchFailedReason *string `json:"dispatch_failed_reason"`
}

// ReasonPayload is the payload of cancel_order and dispatch_failed.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// AddressPayload is the payload of update_address.
type AddressPayload struct {
	Address Address `json:"address"`
}

// OrderSaga drives one order from receipt to shipment. All fields are owned
// by the instance goroutine.
type OrderSaga struct {
	ledger        Ledger
	reviewTimeout time.Duration
	onTimeout     ReviewTimeoutPolicy

	in           StartInput
	status       Status
	cancelReason string
	steps        *stateless.StateMachine
}

func newOrderSaga(cfg WorkflowConfig, in StartInput) *OrderSaga {
	if in.Items == nil {
		in.Items = []Item{}
	}
	if in.Address == nil {
		in.Address = Address{}
	}
	s := &OrderSaga{
		ledger:        cfg.Ledger,
		reviewTimeout: cfg.ReviewTimeout,
		onTimeout:     cfg.ReviewTimeoutPolicy,
		in:            in,
		status:        Status{Step: StepInit, Address: in.Address},
	}
	s.steps = newStepMachine(func(step Step) { s.status.Step = step })
	return s
}

// newStepMachine permits only the forward transitions plus the single
// manual_review -> canceled exit.
func newStepMachine(onStep func(Step)) *stateless.StateMachine {
	sm := stateless.NewStateMachine(StepInit)
	sm.Configure(StepInit).Permit(StepReceive, StepReceive)
	sm.Configure(StepReceive).Permit(StepValidate, StepValidate)
	sm.Configure(StepValidate).Permit(StepManualReview, StepManualReview)
	sm.Configure(StepManualReview).
		Permit(StepCharge, StepCharge).
		Permit(StepCanceled, StepCanceled)
	sm.Configure(StepCharge).Permit(StepShipping, StepShipping)
	sm.Configure(StepShipping).Permit(StepShipped, StepShipped)
	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		onStep(t.Destination.(Step))
	})
	return sm
}

func (s *OrderSaga) advance(c *saga.Context, step Step) error {
	if err := s.steps.Fire(step); err != nil {
		return fmt.Errorf("order %s: illegal step %s -> %s: %w", s.in.OrderID, s.status.Step, step, err)
	}
	c.Checkpoint()
	return nil
}

// working returns the order record activities act on, with the current address.
func (s *OrderSaga) working() Order {
	return Order{OrderID: s.in.OrderID, Items: s.in.Items, Address: s.status.Address}
}

func (s *OrderSaga) Run(c *saga.Context) (string, error) {
	log := c.Logger().With("order_id", s.in.OrderID)
	items, address := s.in.Items, s.status.Address

	order, err := saga.ExecuteActivity(c, ActivityOrderReceived, func(ctx context.Context) (Order, error) {
		return s.ledger.OrderReceived(ctx, s.in.OrderID, items, address)
	})
	if err != nil {
		return "", err
	}
	if err := s.advance(c, StepReceive); err != nil {
		return "", err
	}

	if _, err := saga.ExecuteActivity(c, ActivityOrderValidated, func(ctx context.Context) (bool, error) {
		return s.ledger.OrderValidated(ctx, order)
	}); err != nil {
		return "", err
	}
	if err := s.advance(c, StepValidate); err != nil {
		return "", err
	}

	if err := s.advance(c, StepManualReview); err != nil {
		return "", err
	}
	reviewed := func() bool { return s.status.Approved || s.status.Canceled }
	timeout := s.reviewTimeout
	for {
		decided, err := c.Await(string(StepManualReview), timeout, reviewed)
		if err != nil {
			return "", err
		}
		if decided {
			break
		}
		switch s.onTimeout {
		case ReviewCancel:
			log.Info("manual review expired, canceling")
			s.status.Canceled = true
			s.cancelReason = "manual review timed out"
		case ReviewFail:
			return "", ErrReviewTimeout
		default:
			log.Info("manual review expired, still waiting", "timeout", timeout)
			timeout = 0
			continue
		}
		break
	}
	if s.status.Canceled {
		if err := s.advance(c, StepCanceled); err != nil {
			return "", err
		}
		log.Info("order canceled at review", "reason", s.cancelReason)
		return ResultCanceled, nil
	}

	charged := s.working()
	if _, err := saga.ExecuteActivity(c, ActivityPaymentCharged, func(ctx context.Context) (Payment, error) {
		return s.ledger.PaymentCharged(ctx, charged, s.in.PaymentID)
	}); err != nil {
		return "", err
	}
	if err := s.advance(c, StepCharge); err != nil {
		return "", err
	}

	if err := s.advance(c, StepShipping); err != nil {
		return "", err
	}
	shipment := s.working()
	if _, err := saga.ExecuteChild(c, ShippingWorkflowType, ShippingWorkflowID(s.in.OrderID), ShippingInput{
		Order:    shipment,
		ParentID: c.WorkflowID(),
	}); err != nil {
		return "", err
	}
	result, err := saga.ExecuteActivity(c, ActivityOrderShipped, func(ctx context.Context) (string, error) {
		return s.ledger.OrderShipped(ctx, shipment)
	})
	if err != nil {
		return "", err
	}
	if err := s.advance(c, StepShipped); err != nil {
		return "", err
	}
	return result, nil
}

func (s *OrderSaga) HandleSignal(sig saga.Signal) error {
	switch sig.Name {
	case SignalCancelOrder:
		var p ReasonPayload
		if err := decodePayload(sig, &p); err != nil {
			return err
		}
		if !s.status.Canceled {
			s.status.Canceled = true
			s.cancelReason = p.Reason
		}
	case SignalUpdateAddress:
		var p AddressPayload
		if err := decodePayload(sig, &p); err != nil {
			return err
		}
		if p.Address == nil {
			return fmt.Errorf("%s: address required", sig.Name)
		}
		s.status.Address = p.Address
	case SignalApprove:
		s.status.Approved = true
	case SignalDispatchFailed:
		var p ReasonPayload
		if err := decodePayload(sig, &p); err != nil {
			return err
		}
		if s.status.DispatchFailedReason == nil {
			reason := p.Reason
			s.status.DispatchFailedReason = &reason
		}
	default:
		return fmt.Errorf("unknown signal %q", sig.Name)
	}
	return nil
}

func (s *OrderSaga) Snapshot() any {
	return s.status
}

func decodePayload(sig saga.Signal, v any) error {
	if len(sig.Payload) == 0 || string(sig.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(sig.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", sig.Name, err)
	}
	return nil
}
