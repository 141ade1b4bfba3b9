/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the interface between the billing rules and the database. The core
  never talks to SQL directly; every operation runs inside Store.WithTx and
  sees the ledger only through a Tx.

TRANSACTIONS:
  Every logical operation (a guarded mutation, a balance read, a snapshot,
  a reconciliation run) is ONE call to WithTx. Checks and the write they
  guard share that transaction, so "claim exists + not locked + enough
  balance" can never be invalidated between check and write.

    err := store.WithTx(ctx, func(tx billing.Tx) error {
        locked, err := tx.HasSnapshot(ctx, claimID)
        ...
        return tx.InsertAdjustment(ctx, &adj)
    })

  If fn returns an error the transaction is rolled back.

LOOKUP CONVENTION:
  Get* methods return (nil, nil) when the row does not exist. The core turns
  that into a NotFoundError with the entity name.

APPEND-ONLY TABLES:
  Applications, adjustments and snapshots have no Update method. Delete
  methods for applications, adjustments and charges exist for the Mutation
  Guard and the Reconciler only.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (mattn/go-sqlite3)

SEE ALSO:
  - lock.go: Owner resolution + lock predicate
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transaction boundary
// =============================================================================

// Store runs fn inside one atomic transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the full read/write surface available inside a transaction.
type Tx interface {
	PatientStore
	ClaimStore
	ServiceStore
	ChargeStore
	PaymentStore
	ApplicationStore
	AdjustmentStore
	SnapshotStore
	ProviderSettingsStore
}

// =============================================================================
// ENTITY STORES
// =============================================================================

type PatientStore interface {
	InsertPatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)

	InsertCoverage(ctx context.Context, c *Coverage) error
	GetCoverage(ctx context.Context, id CoverageID) (*Coverage, error)
	ListCoveragesByPatient(ctx context.Context, patientID PatientID) ([]Coverage, error)
}

type ClaimStore interface {
	InsertClaim(ctx context.Context, c *Claim) error
	GetClaim(ctx context.Context, id ClaimID) (*Claim, error)
	ListClaims(ctx context.Context) ([]Claim, error)
	UpdateClaimStatus(ctx context.Context, id ClaimID, status ClaimStatus, at time.Time) error
	UpdateClaimCMS(ctx context.Context, id ClaimID, cms ClaimCMS, at time.Time) error
	DeleteClaim(ctx context.Context, id ClaimID) error
}

type ServiceStore interface {
	InsertService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, id ServiceID) (*Service, error)
	// ListServicesByClaim orders by service_date, then id.
	ListServicesByClaim(ctx context.Context, claimID ClaimID) ([]Service, error)
	UpdateService(ctx context.Context, s *Service) error
	DeleteService(ctx context.Context, id ServiceID) error
	// ServiceClaimID resolves the owning claim. ok is false if the service is absent.
	ServiceClaimID(ctx context.Context, id ServiceID) (claimID ClaimID, ok bool, err error)
}

type ChargeStore interface {
	InsertCharge(ctx context.Context, c *Charge) error
	GetCharge(ctx context.Context, id ChargeID) (*Charge, error)
	ListChargesByService(ctx context.Context, serviceID ServiceID) ([]Charge, error)
	ListChargesByClaim(ctx context.Context, claimID ClaimID) ([]Charge, error)
	UpdateChargeAmount(ctx context.Context, id ChargeID, amount decimal.Decimal, at time.Time) error
	DeleteCharges(ctx context.Context, ids ...ChargeID) (int64, error)
	// ChargeClaimID resolves the owning claim through the charge's service.
	ChargeClaimID(ctx context.Context, id ChargeID) (claimID ClaimID, ok bool, err error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// ListPayments returns the most recent payments first; limit <= 0 means all.
	ListPayments(ctx context.Context, limit int) ([]Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, id PaymentID) error
}

type ApplicationStore interface {
	InsertApplication(ctx context.Context, a *Application) error
	ListApplicationsByCharge(ctx context.Context, chargeID ChargeID) ([]Application, error)
	ListApplicationsByPayment(ctx context.Context, paymentID PaymentID) ([]Application, error)
	ListApplicationsByClaim(ctx context.Context, claimID ClaimID) ([]Application, error)
	DeleteApplications(ctx context.Context, ids ...ApplicationID) (int64, error)
}

type AdjustmentStore interface {
	InsertAdjustment(ctx context.Context, a *Adjustment) error
	ListAdjustmentsByCharge(ctx context.Context, chargeID ChargeID) ([]Adjustment, error)
	ListAdjustmentsByClaim(ctx context.Context, claimID ClaimID) ([]Adjustment, error)
	DeleteAdjustments(ctx context.Context, ids ...AdjustmentID) (int64, error)
}

type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id SnapshotID) (*Snapshot, error)
	// LatestSnapshot returns the snapshot with the highest id for the claim.
	LatestSnapshot(ctx context.Context, claimID ClaimID) (*Snapshot, error)
	// ListSnapshotsByClaim returns newest first.
	ListSnapshotsByClaim(ctx context.Context, claimID ClaimID) ([]Snapshot, error)
	// ListSnapshots returns all snapshots, newest first.
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	HasSnapshot(ctx context.Context, claimID ClaimID) (bool, error)
	SnapshottedClaimIDs(ctx context.Context) ([]ClaimID, error)
}

type ProviderSettingsStore interface {
	// ActiveProviderSettings returns the newest active row, or nil.
	ActiveProviderSettings(ctx context.Context) (*ProviderSettings, error)
	// SaveProviderSettings inserts when ID is zero, updates otherwise.
	SaveProviderSettings(ctx context.Context, ps *ProviderSettings) error
}
