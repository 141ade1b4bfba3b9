/*
errors.go - Centralized error types for the billing core

PURPOSE:
  All failure kinds in one place. Every guard, calculator, snapshot and
  reconciliation failure is one of these types, so callers branch on the
  kind (errors.Is / errors.As), never on message text.

ERROR CATEGORIES:
  NotFoundError           Referenced entity is absent
  ValidationError         Bad input: amount <= 0, unknown enum, illegal transition
  LockedClaimError        Claim has a snapshot; finances are frozen
  InsufficientAmountError Application exceeds what the payment or charge has left
  DependentRecordsError   Delete/update blocked by child rows
  IntegrityError          Reconciliation cannot reach the snapshot without inventing history
  HashMismatchError       Recomputed snapshot hash differs from the stored one

USAGE:
    if errors.Is(err, billing.ErrLockedClaim) {
        // explain "claim frozen" to the user
    }

    var short *billing.InsufficientAmountError
    if errors.As(err, &short) {
        fmt.Println("only", short.Available, "left")
    }

SEE ALSO:
  - guard.go: Produces most of these
  - api/handlers.go: Maps them to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrLockedClaim        = errors.New("claim is financially locked")
	ErrInsufficientAmount = errors.New("insufficient amount")
	ErrDependentRecords   = errors.New("dependent records exist")
	ErrIntegrity          = errors.New("integrity violation")
	ErrHashMismatch       = errors.New("snapshot hash mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "claim", "charge", ...
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// LockedClaimError is returned for any mutation touching a snapshotted claim.
type LockedClaimError struct {
	ClaimID ClaimID
	Op      string
}

func (e *LockedClaimError) Error() string {
	return fmt.Sprintf("claim %d is locked by a CMS-1500 snapshot: %s not allowed", e.ClaimID, e.Op)
}

func (e *LockedClaimError) Unwrap() error { return ErrLockedClaim }

// InsufficientAmountError reports how much was available on the payment or
// charge when an application (or payment downgrade) was rejected.
type InsufficientAmountError struct {
	Source    string // "payment" or "charge"
	ID        int64
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("insufficient %s %d amount: available %s, requested %s",
		e.Source, e.ID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientAmountError) Unwrap() error { return ErrInsufficientAmount }

// DependentRecordsError reports the child rows blocking a change.
type DependentRecordsError struct {
	Entity     string
	ID         int64
	Dependents string // "services", "applications", ...
	Count      int
}

func (e *DependentRecordsError) Error() string {
	return fmt.Sprintf("%s %d has %d %s", e.Entity, e.ID, e.Count, e.Dependents)
}

func (e *DependentRecordsError) Unwrap() error { return ErrDependentRecords }

// IntegrityError aborts a reconciliation run.
type IntegrityError struct {
	ClaimID ClaimID
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("claim %d: %s", e.ClaimID, e.Message)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// HashMismatchError signals tampering or corruption of a snapshot payload.
type HashMismatchError struct {
	SnapshotID SnapshotID
	Stored     string
	Computed   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("snapshot %d hash mismatch: stored=%s computed=%s", e.SnapshotID, e.Stored, e.Computed)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func notFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the caller must correct its request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrLockedClaim) ||
		errors.Is(err, ErrInsufficientAmount) ||
		errors.Is(err, ErrDependentRecords)
}
