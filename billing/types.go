/*
Package billing provides the financial integrity core of the CMS-1500 ledger.

PURPOSE:
  This package owns every rule that keeps charges, payments, applications and
  adjustments consistent, the immutable snapshot that freezes a claim once it
  is billed, and the reconciliation procedure that repairs drift between the
  live ledger and that snapshot. Storage, HTTP and CLI layers are thin
  wrappers around it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers: ClaimID, ChargeID, ... (rowids, never mixed up)
  - Money: decimal.Decimal, rounded to cents at the edges
  - Entities: Patient, Coverage, Claim, Service, Charge, Payment,
    Application, Adjustment, Snapshot, ProviderSettings

OWNERSHIP:
  Patient ─┬─ Coverage
           └─ Claim ── Service ── Charge ─┬─ Application ── Payment
                  │                       └─ Adjustment
                  └─ Snapshot (append-only, locks the claim)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all money, never float64 arithmetic
  2. Immutability: applications, adjustments and snapshots are never updated
  3. Derivation: balances are computed from rows, never stored
  4. Typed failures: every rejected write returns an error from errors.go

SEE ALSO:
  - store.go: Persistence contract
  - guard.go: Mutation Guard
  - snapshot.go: Snapshot Engine
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID int64
type CoverageID int64
type ClaimID int64
type ServiceID int64
type ChargeID int64
type PaymentID int64
type ApplicationID int64
type AdjustmentID int64
type SnapshotID int64

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the largest difference two money totals may have and still be
// considered equal when comparing snapshot totals with live totals.
var Tolerance = decimal.New(1, -2)

// Cents rounds an amount to two decimal places.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MustParseAmount parses a decimal literal and panics on malformed input.
func MustParseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("billing: malformed amount %q: %v", s, err))
	}
	return d
}

// ApproxEqual reports whether a and b differ by at most Tolerance.
func ApproxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// TimeLayout is fixed-width so stored timestamps sort as strings.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// =============================================================================
// PATIENTS & COVERAGE
// =============================================================================

type Patient struct {
	ID          PatientID
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FullName returns "First Last".
func (p Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

type Coverage struct {
	ID           CoverageID
	PatientID    PatientID
	InsurerName  string
	PlanName     string
	PolicyNumber string
	GroupNumber  string
	InsuredID    string
	StartDate    time.Time
	EndDate      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActiveOn reports whether the coverage is in effect on the given day.
func (c Coverage) ActiveOn(day time.Time) bool {
	if day.Before(c.StartDate) {
		return false
	}
	return c.EndDate == nil || !day.After(*c.EndDate)
}

// =============================================================================
// CLAIMS
// =============================================================================

// ClaimStatus is the persisted operational status of a claim.
type ClaimStatus string

const (
	StatusDraft     ClaimStatus = "DRAFT"
	StatusReady     ClaimStatus = "READY"
	StatusSubmitted ClaimStatus = "SUBMITTED"
	StatusDenied    ClaimStatus = "DENIED"
	StatusPaid      ClaimStatus = "PAID"
)

// Valid reports whether s is one of the five known statuses.
func (s ClaimStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusSubmitted, StatusDenied, StatusPaid:
		return true
	}
	return false
}

// ClaimCMS holds the administrative CMS-1500 boxes kept at claim level.
type ClaimCMS struct {
	ReferringProviderName string // box 17
	ReferringProviderNPI  string // box 17b
	ReservedLocalUse19    string
	ResubmissionCode22    string
	OriginalRefNo22       string
	PriorAuthorization23  string
}

type Claim struct {
	ID         ClaimID
	PatientID  PatientID
	CoverageID CoverageID
	Status     ClaimStatus
	CMS        ClaimCMS
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// SERVICES & CHARGES
// =============================================================================

// Service is one clinical encounter line (CMS-1500 box 24).
type Service struct {
	ID             ServiceID
	ClaimID        ClaimID
	ServiceDate    time.Time
	CPTCode        string
	Units          int
	DiagnosisCode  string
	PlaceOfService string
	Modifiers      string
	Description    string
	OutsideLab20   bool
	LabCharges20   *decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Charge is the billed amount for one service line.
type Charge struct {
	ID        ChargeID
	ServiceID ServiceID
	Amount    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PAYMENTS, APPLICATIONS & ADJUSTMENTS
// =============================================================================

type PaymentMethod string

const (
	MethodCash  PaymentMethod = "cash"
	MethodCheck PaymentMethod = "check"
	MethodEFT   PaymentMethod = "eft"
	MethodOther PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodEFT, MethodOther:
		return true
	}
	return false
}

// Payment is a monetary receipt, applied to charges through Applications.
type Payment struct {
	ID           PaymentID
	Amount       decimal.Decimal
	Method       PaymentMethod
	Reference    string
	ReceivedDate time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Application credits part of a payment against a charge (one EOB line).
// Immutable once created.
type Application struct {
	ID            ApplicationID
	PaymentID     PaymentID
	ChargeID      ChargeID
	AmountApplied decimal.Decimal
	CreatedAt     time.Time
}

type AdjustmentReason string

const (
	ReasonWriteOff    AdjustmentReason = "write-off"
	ReasonContractual AdjustmentReason = "contractual"
	ReasonDenial      AdjustmentReason = "denial"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonWriteOff, ReasonContractual, ReasonDenial:
		return true
	}
	return false
}

// Adjustment is a non-cash reduction of a charge. Immutable once created.
type Adjustment struct {
	ID        AdjustmentID
	ChargeID  ChargeID
	Amount    decimal.Decimal
	Reason    AdjustmentReason
	Note      string
	CreatedAt time.Time
}

// =============================================================================
// SNAPSHOTS & PROVIDER SETTINGS
// =============================================================================

// Snapshot is a persisted, append-only CMS-1500 record. JSON is the canonical
// payload text and Hash its SHA-256 hex digest.
type Snapshot struct {
	ID        SnapshotID
	ClaimID   ClaimID
	JSON      string
	Hash      string
	CreatedAt time.Time
}

// ProviderSettings is the single active billing/facility identity (boxes 31-33).
type ProviderSettings struct {
	ID              int64
	Active          bool
	Signature       string
	SignatureDate   string
	FacilityName    string
	FacilityAddress string
	FacilityCity    string
	FacilityState   string
	FacilityZip     string
	BillingName     string
	BillingNPI      string
	BillingTaxID    string
	BillingAddress  string
	BillingCity     string
	BillingState    string
	BillingZip      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
