package service

import (
	"context"

	"github.com/safar-saathi/careflow/internal/audit"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// RegisterClinicInput seeds a clinic into the directory
type RegisterClinicInput struct {
	Name        string             `json:"name"`
	Location    string             `json:"location"`
	Coordinates *types.Coordinates `json:"coordinates,omitempty"`
	Approved    bool               `json:"is_approved"`
	Active      bool               `json:"is_active"`
}

// RegisterPatientInput seeds a patient, optionally with a home clinic
type RegisterPatientInput struct {
	UserID      types.ID           `json:"user_id"`
	Name        string             `json:"name"`
	ClinicID    *types.ID          `json:"current_clinic_id,omitempty"`
	Coordinates *types.Coordinates `json:"coordinates,omitempty"`
}

// RegisterClinic is admin-only
func (s *Service) RegisterClinic(ctx context.Context, actor domain.Actor, in RegisterClinicInput) (domain.Clinic, error) {
	if !actor.IsAdmin() {
		return domain.Clinic{}, deny("clinic", "register", "only an administrator can register clinics")
	}
	now := s.now()
	c, err := domain.NewClinic(in.Name, in.Location, in.Coordinates, in.Approved, in.Active, now)
	if err != nil {
		return domain.Clinic{}, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateClinic(ctx, c)
	})
	if err != nil {
		return domain.Clinic{}, err
	}

	s.record(ctx, actor, audit.ActionClinicRegistered, "clinic", c.ID, map[string]any{
		"name":        c.Name,
		"is_approved": c.Approved,
		"is_active":   c.Active,
	}, now)
	return c, nil
}

// RegisterPatient is admin-only. A home clinic, when given, must exist.
func (s *Service) RegisterPatient(ctx context.Context, actor domain.Actor, in RegisterPatientInput) (domain.Patient, error) {
	if !actor.IsAdmin() {
		return domain.Patient{}, deny("patient", "register", "only an administrator can register patients")
	}
	now := s.now()
	var clinicID *types.ID
	if in.ClinicID != nil {
		clinicID = in.ClinicID.Ptr()
	}
	p, err := domain.NewPatient(in.UserID, in.Name, clinicID, now)
	if err != nil {
		return domain.Patient{}, err
	}
	p.Coordinates = in.Coordinates

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if home, ok := p.HomeClinic(); ok {
			if _, err := tx.GetClinic(ctx, home); err != nil {
				return err
			}
		}
		return tx.CreatePatient(ctx, p)
	})
	if err != nil {
		return domain.Patient{}, err
	}

	s.record(ctx, actor, audit.ActionPatientRegistered, "patient", p.ID, map[string]any{
		"current_clinic_id": p.CurrentClinicID,
	}, now)
	return p, nil
}

// GetClinic is open to every authenticated actor
func (s *Service) GetClinic(ctx context.Context, id types.ID) (domain.Clinic, error) {
	return s.repo.FindClinic(ctx, id)
}

// ListClinics lists the directory; OnlyAccepting narrows to valid targets
func (s *Service) ListClinics(ctx context.Context, filter domain.ClinicFilter) ([]domain.Clinic, error) {
	filter.Limit = domain.PageLimit(filter.Limit)
	return s.repo.ListClinics(ctx, filter)
}

// GetPatient returns the patient to themself, their home clinic's staff or an admin
func (s *Service) GetPatient(ctx context.Context, actor domain.Actor, id types.ID) (domain.Patient, error) {
	p, err := s.repo.FindPatient(ctx, id)
	if err != nil {
		return domain.Patient{}, err
	}
	if !p.CanView(actor) {
		return domain.Patient{}, deny("patient", "view", "actor cannot view this patient")
	}
	return p, nil
}
