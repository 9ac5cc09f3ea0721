package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trellis/internal/saga"
)

// Workflow type names registered with the engine.
const (
	OrderWorkflowType    = "order_fulfillment"
	ShippingWorkflowType = "shipping"
)

// DefaultReviewTimeout bounds each manual-review wait when WorkflowConfig
// leaves ReviewTimeout unset. There is no way to disable the timer; the
// ReviewWait policy keeps waiting after it fires.
const DefaultReviewTimeout = 4 * time.Second

// OrderWorkflowID is the instance id of the order saga for orderID.
func OrderWorkflowID(orderID string) string { return "order-" + orderID }

// ShippingWorkflowID is the instance id of the shipping saga for orderID.
func ShippingWorkflowID(orderID string) string { return "ship-" + orderID }

// WorkflowConfig carries what the sagas need besides their start input.
type WorkflowConfig struct {
	Ledger              Ledger
	ReviewTimeout       time.Duration
	ReviewTimeoutPolicy ReviewTimeoutPolicy
}

func (cfg WorkflowConfig) withDefaults() WorkflowConfig {
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}
	if cfg.ReviewTimeoutPolicy == "" {
		cfg.ReviewTimeoutPolicy = ReviewWait
	}
	return cfg
}

// Register binds both saga types to the engine.
func Register(engine *saga.Engine, cfg WorkflowConfig) error {
	if cfg.Ledger == nil {
		return errors.New("orders: ledger required")
	}
	cfg = cfg.withDefaults()

	engine.Register(OrderWorkflowType, func(raw json.RawMessage) (saga.Workflow, error) {
		var in StartInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode order input: %w", err)
		}
		return newOrderSaga(cfg, in), nil
	})
	engine.Register(ShippingWorkflowType, func(raw json.RawMessage) (saga.Workflow, error) {
		var in ShippingInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode shipping input: %w", err)
		}
		return newShippingSaga(cfg, in), nil
	})
	return nil
}
