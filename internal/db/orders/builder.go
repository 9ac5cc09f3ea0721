package ordersdb

import (
	"context"
	"database/sql"
	"log"
	"time"

	"trellis/internal/orders"
)

// BuildLedger wires the order ledger from a Postgres DSN.
// If the DSN is empty or initialization fails, it falls back to the in-memory ledger.
// The returned cleanup closes any external resources.
func BuildLedger(ctx context.Context, dsn string, faults orders.FailureInjector, logf func(format string, args ...any)) (orders.Store, func()) {
	if logf == nil {
		logf = log.Printf
	}

	cleanup := func() {}
	var ledger orders.Store = orders.NewMemoryLedger(faults)

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			logf("postgres open failed, falling back to in-memory ledger: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := NewPostgresLedgerWithSchema(setupCtx, sqlDB, faults)
			if err != nil {
				logf("postgres init failed, falling back to in-memory ledger: %v", err)
				_ = sqlDB.Close()
			} else {
				logf("postgres ledger enabled")
				ledger = pg
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logf("close postgres: %v", err)
					}
				}
			}
		}
	}

	return ledger, cleanup
}
