package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// ErrTransient is the failure injected by RandomFailures.
var ErrTransient = errors.New("transient failure")

// FailureInjector runs before every ledger operation and may fail it to
// exercise the retry policy.
type FailureInjector interface {
	Inject(ctx context.Context, op string) error
}

// NoFailures never fails.
type NoFailures struct{}

func (NoFailures) Inject(ctx context.Context, op string) error {
	return ctx.Err()
}

// RandomFailures fails a fixed fraction of calls.
type RandomFailures struct {
	mu   sync.Mutex
	rate float64
	rnd  *rand.Rand
}

// NewRandomFailures fails roughly rate (0..1) of calls, seeded for repeatable runs.
func NewRandomFailures(rate float64, seed int64) *RandomFailures {
	return &RandomFailures{
		rate: rate,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

func (r *RandomFailures) Inject(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.rate <= 0 {
		return nil
	}
	r.mu.Lock()
	roll := r.rnd.Float64()
	r.mu.Unlock()
	if roll < r.rate {
		return fmt.Errorf("%s: %w", op, ErrTransient)
	}
	return nil
}

// FailOps fails every call to the named operations with Err (ErrTransient when nil).
type FailOps struct {
	Ops map[string]bool
	Err error
}

func (f FailOps) Inject(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.Ops[op] {
		return nil
	}
	if f.Err != nil {
		return fmt.Errorf("%s: %w", op, f.Err)
	}
	return fmt.Errorf("%s: %w", op, ErrTransient)
}

// Operation names passed to FailureInjector.Inject.
const (
	OpOrderReceived     = "order_received"
	OpOrderValidated    = "order_validated"
	OpPaymentCharged    = "payment_charged"
	OpOrderShipped      = "order_shipped"
	OpPackagePrepared   = "package_prepared"
	OpCarrierDispatched = "carrier_dispatched"
)
