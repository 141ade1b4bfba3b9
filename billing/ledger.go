/*
ledger.go - The billing ledger service

PURPOSE:
  Ledger is the single entry point for every financial read and write. It
  owns the Store and runs each operation in one transaction:

    CreateApplication
      └─ WithTx
           ├─ payment exists, charge exists        (existence)
           ├─ owning claim not snapshotted         (lock.go)
           ├─ amount fits payment and charge       (guard.go)
           └─ INSERT application

CRITICAL INVARIANTS (hold after every successful call):
  1. charge.amount  >= Σ applications + Σ adjustments
  2. payment.amount >= Σ applications
  3. claim.balance_due == Σ charge balances
  4. a claim with a snapshot never changes financially

CLOCK:
  Timestamps come from Ledger.Clock (UTC). Tests replace it to place events
  before or after a snapshot.

SEE ALSO:
  - guard.go, claim.go, balance.go, snapshot.go: Operations
  - reconcile.go: Out-of-band repair
*/
package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Ledger implements the Mutation Guard, Balance Calculator, Claim State
// Machine and Snapshot Engine over a Store.
type Ledger struct {
	Store  Store
	Logger zerolog.Logger
	Clock  func() time.Time
}

// NewLedger creates a ledger with a no-op logger and the wall clock.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		Store:  store,
		Logger: zerolog.Nop(),
		Clock:  func() time.Time { return time.Now().UTC() },
	}
}

// now is truncated to the stored timestamp precision so in-memory values
// compare equal to what the store reads back.
func (l *Ledger) now() time.Time {
	t := time.Now()
	if l.Clock != nil {
		t = l.Clock()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// view runs a read-only operation. Reads still use a transaction so the
// several aggregate queries behind a balance see one consistent state.
func (l *Ledger) view(ctx context.Context, fn func(Tx) error) error {
	return l.Store.WithTx(ctx, fn)
}

func (l *Ledger) update(ctx context.Context, fn func(Tx) error) error {
	return l.Store.WithTx(ctx, fn)
}
