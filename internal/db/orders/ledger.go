package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trellis/internal/orders"
	"trellis/internal/reliability"
)

// PostgresLedger persists orders, events and payments in Postgres. Every
// operation runs in its own transaction.
type PostgresLedger struct {
	db     *sql.DB
	faults orders.FailureInjector
}

var _ orders.Store = (*PostgresLedger)(nil)

// NewPostgresLedger constructs a ledger backed by Postgres. A nil injector never fails.
func NewPostgresLedger(db *sql.DB, faults orders.FailureInjector) *PostgresLedger {
	if faults == nil {
		faults = orders.NoFailures{}
	}
	return &PostgresLedger{db: db, faults: faults}
}

// NewPostgresLedgerWithSchema initializes the schema then returns the ledger.
func NewPostgresLedgerWithSchema(ctx context.Context, db *sql.DB, faults orders.FailureInjector) (*PostgresLedger, error) {
	ledger := NewPostgresLedger(db, faults)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the ledger tables if they do not exist.
func (l *PostgresLedger) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			address JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		)`,
		`CREATE INDEX IF NOT EXISTS events_order_id_idx ON events (order_id, id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *PostgresLedger) OrderReceived(ctx context.Context, orderID string, items []orders.Item, address orders.Address) (orders.Order, error) {
	if err := l.faults.Inject(ctx, orders.OpOrderReceived); err != nil {
		return orders.Order{}, err
	}
	if items == nil {
		items = []orders.Item{}
	}
	if address == nil {
		address = orders.Address{}
	}
	payload, err := orders.ReceivedPayload(items, address)
	if err != nil {
		return orders.Order{}, err
	}
	addressJSON, err := marshalAddress(address)
	if err != nil {
		return orders.Order{}, err
	}

	err = l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, state, address) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`,
			orderID, string(orders.OrderStateReceived), addressJSON); err != nil {
			return fmt.Errorf("upsert order %s: %w", orderID, err)
		}
		return insertEvent(ctx, tx, orderID, orders.EventOrderReceived, payload)
	})
	if err != nil {
		return orders.Order{}, err
	}
	return orders.Order{OrderID: orderID, Items: items, Address: address}, nil
}

func (l *PostgresLedger) OrderValidated(ctx context.Context, order orders.Order) (bool, error) {
	if err := l.faults.Inject(ctx, orders.OpOrderValidated); err != nil {
		return false, err
	}
	if len(order.Items) == 0 {
		return false, reliability.NonRetryable(orders.ErrNoItems)
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := advanceState(ctx, tx, order.OrderID, orders.OrderStateValidated); err != nil {
			return err
		}
		return insertEvent(ctx, tx, order.OrderID, orders.EventOrderValidated, orders.EmptyPayload)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *PostgresLedger) PaymentCharged(ctx context.Context, order orders.Order, paymentID string) (orders.Payment, error) {
	if err := l.faults.Inject(ctx, orders.OpPaymentCharged); err != nil {
		return orders.Payment{}, err
	}
	if paymentID == "" {
		return orders.Payment{}, reliability.NonRetryable(orders.ErrPaymentIDRequired)
	}

	var payment orders.Payment
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (payment_id, order_id, amount, status) VALUES ($1, $2, $3, $4)
			ON CONFLICT (payment_id) DO NOTHING`,
			paymentID, order.OrderID, orders.Amount(order.Items), string(orders.PaymentStatusCharged)); err != nil {
			return fmt.Errorf("insert payment %s: %w", paymentID, err)
		}
		p, err := scanPayment(tx.QueryRowContext(ctx,
			`SELECT payment_id, order_id, amount, status FROM payments WHERE payment_id = $1`, paymentID))
		if err != nil {
			return fmt.Errorf("read back payment %s: %w", paymentID, err)
		}
		payment = p
		payload, err := orders.ChargedPayload(p)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, order.OrderID, orders.EventPaymentCharged, payload)
	})
	if err != nil {
		return orders.Payment{}, err
	}
	return payment, nil
}

func (l *PostgresLedger) OrderShipped(ctx context.Context, order orders.Order) (string, error) {
	if err := l.faults.Inject(ctx, orders.OpOrderShipped); err != nil {
		return "", err
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := advanceState(ctx, tx, order.OrderID, orders.OrderStateShipped); err != nil {
			return err
		}
		return insertEvent(ctx, tx, order.OrderID, orders.EventOrderShipped, orders.EmptyPayload)
	})
	if err != nil {
		return "", err
	}
	return orders.ResultShipped, nil
}

func (l *PostgresLedger) PackagePrepared(ctx context.Context, order orders.Order) (string, error) {
	if err := l.faults.Inject(ctx, orders.OpPackagePrepared); err != nil {
		return "", err
	}
	if err := l.inTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, order.OrderID, orders.EventPackagePrepared, orders.EmptyPayload)
	}); err != nil {
		return "", err
	}
	return orders.ResultPackageReady, nil
}

func (l *PostgresLedger) CarrierDispatched(ctx context.Context, order orders.Order) (string, error) {
	if err := l.faults.Inject(ctx, orders.OpCarrierDispatched); err != nil {
		return "", err
	}
	if err := l.inTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, order.OrderID, orders.EventCarrierDispatched, orders.EmptyPayload)
	}); err != nil {
		return "", err
	}
	return orders.ResultDispatched, nil
}

func (l *PostgresLedger) Order(ctx context.Context, orderID string) (orders.OrderRecord, error) {
	var (
		rec     orders.OrderRecord
		state   string
		address []byte
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT id, state, address, created_at, updated_at FROM orders WHERE id = $1`, orderID).
		Scan(&rec.ID, &state, &address, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.OrderRecord{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.OrderRecord{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	rec.State = orders.OrderState(state)
	if rec.Address, err = unmarshalAddress(address); err != nil {
		return orders.OrderRecord{}, err
	}
	return rec, nil
}

func (l *PostgresLedger) Events(ctx context.Context, orderID string) ([]orders.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, order_id, type, payload, created_at FROM events WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []orders.Event
	for rows.Next() {
		var (
			ev      orders.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event of %s: %w", orderID, err)
		}
		ev.Type = orders.EventType(typ)
		ev.Payload = append([]byte(nil), payload...)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events of %s: %w", orderID, err)
	}
	return out, nil
}

func (l *PostgresLedger) Payment(ctx context.Context, paymentID string) (orders.Payment, error) {
	p, err := scanPayment(l.db.QueryRowContext(ctx,
		`SELECT payment_id, order_id, amount, status FROM payments WHERE payment_id = $1`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	if err != nil {
		return orders.Payment{}, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	return p, nil
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w; rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// advanceState moves the order forward and never back to an earlier state.
func advanceState(ctx context.Context, tx *sql.Tx, orderID string, state orders.OrderState) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			state = CASE WHEN $3 > (CASE state WHEN 'received' THEN 0 WHEN 'validated' THEN 1 WHEN 'shipped' THEN 2 ELSE -1 END)
				THEN $2 ELSE state END,
			updated_at = NOW()
		WHERE id = $1`,
		orderID, string(state), state.Rank())
	if err != nil {
		return fmt.Errorf("advance order %s to %s: %w", orderID, state, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("advance %s to %s: %w", orderID, state, orders.ErrOrderNotFound)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, orderID string, typ orders.EventType, payload []byte) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (order_id, type, payload)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM orders WHERE id = $1)`,
		orderID, string(typ), string(payload))
	if err != nil {
		return fmt.Errorf("insert %s event for %s: %w", typ, orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s for %s: %w", typ, orderID, orders.ErrOrderNotFound)
	}
	return nil
}

func scanPayment(row *sql.Row) (orders.Payment, error) {
	var (
		p      orders.Payment
		status string
	)
	if err := row.Scan(&p.PaymentID, &p.OrderID, &p.Amount, &status); err != nil {
		return orders.Payment{}, err
	}
	p.Status = orders.PaymentStatus(status)
	return p, nil
}
