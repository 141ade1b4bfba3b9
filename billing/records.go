/*
records.go - Patients, coverages and provider settings

PURPOSE:
  Plain-record readers and writers the core needs around the financial
  graph. No financial rule applies here beyond basic field validation.

PROVIDER SETTINGS:
  One active row holds the billing/facility identity printed in boxes 31-33.
  ProviderSettings creates an empty active row on first access, so callers
  never handle "no settings yet".
*/
package billing

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// PATIENTS
// =============================================================================

// PatientInput carries the identity fields of a patient.
type PatientInput struct {
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
}

func (l *Ledger) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if first == "" {
		return nil, invalid("first_name", "is required")
	}
	if last == "" {
		return nil, invalid("last_name", "is required")
	}
	var patient *Patient
	err := l.update(ctx, func(tx Tx) error {
		now := l.now()
		p := &Patient{FirstName: first, LastName: last, DateOfBirth: in.DateOfBirth, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertPatient(ctx, p); err != nil {
			return err
		}
		patient = p
		return nil
	})
	return patient, err
}

func (l *Ledger) GetPatient(ctx context.Context, id PatientID) (*Patient, error) {
	var patient *Patient
	err := l.view(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("patient", int64(id))
		}
		patient = p
		return nil
	})
	return patient, err
}

func (l *Ledger) ListPatients(ctx context.Context) ([]Patient, error) {
	var patients []Patient
	err := l.view(ctx, func(tx Tx) error {
		var err error
		patients, err = tx.ListPatients(ctx)
		return err
	})
	return patients, err
}

// =============================================================================
// COVERAGES
// =============================================================================

// CoverageInput carries the insurer identifiers and effective range.
type CoverageInput struct {
	InsurerName  string
	PlanName     string
	PolicyNumber string
	GroupNumber  string
	InsuredID    string
	StartDate    time.Time
	EndDate      *time.Time
}

func (l *Ledger) CreateCoverage(ctx context.Context, patientID PatientID, in CoverageInput) (*Coverage, error) {
	if strings.TrimSpace(in.InsurerName) == "" {
		return nil, invalid("insurer_name", "is required")
	}
	if in.StartDate.IsZero() {
		return nil, invalid("start_date", "is required")
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		return nil, invalid("end_date", "must not precede start_date")
	}
	var coverage *Coverage
	err := l.update(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("patient", int64(patientID))
		}
		now := l.now()
		c := &Coverage{
			PatientID:    patientID,
			InsurerName:  strings.TrimSpace(in.InsurerName),
			PlanName:     in.PlanName,
			PolicyNumber: in.PolicyNumber,
			GroupNumber:  in.GroupNumber,
			InsuredID:    in.InsuredID,
			StartDate:    in.StartDate,
			EndDate:      in.EndDate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertCoverage(ctx, c); err != nil {
			return err
		}
		coverage = c
		return nil
	})
	return coverage, err
}

func (l *Ledger) ListCoverages(ctx context.Context, patientID PatientID) ([]Coverage, error) {
	var coverages []Coverage
	err := l.view(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("patient", int64(patientID))
		}
		coverages, err = tx.ListCoveragesByPatient(ctx, patientID)
		return err
	})
	return coverages, err
}

// =============================================================================
// PROVIDER SETTINGS
// =============================================================================

// ProviderSettings returns the active settings, creating an empty active row
// on first access.
func (l *Ledger) ProviderSettings(ctx context.Context) (*ProviderSettings, error) {
	var ps *ProviderSettings
	err := l.update(ctx, func(tx Tx) error {
		var err error
		ps, err = l.activeProviderSettings(ctx, tx)
		return err
	})
	return ps, err
}

// SaveProviderSettings overwrites the active settings with in. ID, Active and
// CreatedAt of in are ignored.
func (l *Ledger) SaveProviderSettings(ctx context.Context, in ProviderSettings) (*ProviderSettings, error) {
	var ps *ProviderSettings
	err := l.update(ctx, func(tx Tx) error {
		current, err := l.activeProviderSettings(ctx, tx)
		if err != nil {
			return err
		}
		in.ID = current.ID
		in.Active = true
		in.CreatedAt = current.CreatedAt
		in.UpdatedAt = l.now()
		if err := tx.SaveProviderSettings(ctx, &in); err != nil {
			return err
		}
		ps = &in
		return nil
	})
	return ps, err
}

func (l *Ledger) activeProviderSettings(ctx context.Context, tx Tx) (*ProviderSettings, error) {
	ps, err := tx.ActiveProviderSettings(ctx)
	if err != nil {
		return nil, err
	}
	if ps != nil {
		return ps, nil
	}
	now := l.now()
	ps = &ProviderSettings{Active: true, CreatedAt: now, UpdatedAt: now}
	if err := tx.SaveProviderSettings(ctx, ps); err != nil {
		return nil, err
	}
	l.Logger.Info().Int64("provider_settings_id", ps.ID).Msg("default provider settings created")
	return ps, nil
}
