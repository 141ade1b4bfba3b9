/*
lock.go - Financial lock and owning-claim resolution

PURPOSE:
  A claim is LOCKED iff at least one CMS-1500 snapshot row exists for it.
  There is no flag column: inserting the snapshot is what locks the claim.

  While locked, no service, charge, application, adjustment or CMS field of
  the claim may change, and its persisted status is frozen.

OWNER RESOLUTION:
  Every mutation resolves its owning claim through one of the helpers below
  (service -> claim, charge -> service -> claim) instead of repeating the
  join in each operation.
*/
package billing

import "context"

// IsClaimLocked reports whether the claim has at least one snapshot.
func (l *Ledger) IsClaimLocked(ctx context.Context, claimID ClaimID) (bool, error) {
	var locked bool
	err := l.view(ctx, func(tx Tx) error {
		var err error
		locked, err = tx.HasSnapshot(ctx, claimID)
		return err
	})
	return locked, err
}

// ensureUnlocked fails with LockedClaimError when the claim has a snapshot.
func ensureUnlocked(ctx context.Context, tx Tx, claimID ClaimID, op string) error {
	locked, err := tx.HasSnapshot(ctx, claimID)
	if err != nil {
		return err
	}
	if locked {
		return &LockedClaimError{ClaimID: claimID, Op: op}
	}
	return nil
}

func ownerOfService(ctx context.Context, tx Tx, id ServiceID) (ClaimID, error) {
	claimID, ok, err := tx.ServiceClaimID(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, notFound("service", int64(id))
	}
	return claimID, nil
}

func ownerOfCharge(ctx context.Context, tx Tx, id ChargeID) (ClaimID, error) {
	claimID, ok, err := tx.ChargeClaimID(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, notFound("charge", int64(id))
	}
	return claimID, nil
}
