package domain

import (
	"strings"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Clinic is a care provider. Approval and active flags are owned by the
// administrator directory; the workflow only reads them.
type Clinic struct {
	ID          types.ID           `json:"id"`
	Name        string             `json:"name"`
	Location    string             `json:"location"`
	Coordinates *types.Coordinates `json:"coordinates,omitempty"`
	Approved    bool               `json:"is_approved"`
	Active      bool               `json:"is_active"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewClinic validates and creates a clinic record
func NewClinic(name, location string, coords *types.Coordinates, approved, active bool, now time.Time) (Clinic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Clinic{}, errors.Validation("clinic name is required", map[string]string{"name": "required"})
	}
	if coords != nil && !coords.Valid() {
		return Clinic{}, errors.Validation("coordinates out of range", map[string]string{"coordinates": "invalid"})
	}
	return Clinic{
		ID:          types.NewID(),
		Name:        name,
		Location:    strings.TrimSpace(location),
		Coordinates: coords,
		Approved:    approved,
		Active:      active,
		CreatedAt:   now,
	}, nil
}

// AcceptsPatients returns InvalidTarget unless the clinic may be targeted by a
// transfer or consultation
func (c Clinic) AcceptsPatients() error {
	if !c.Approved || !c.Active {
		return errors.InvalidTarget("clinic is not approved or not active")
	}
	return nil
}

// Patient carries identity and the current home clinic assignment
type Patient struct {
	ID              types.ID           `json:"id"`
	UserID          types.ID           `json:"user_id,omitempty"`
	Name            string             `json:"name"`
	CurrentClinicID *types.ID          `json:"current_clinic_id,omitempty"`
	Coordinates     *types.Coordinates `json:"coordinates,omitempty"`
	Active          bool               `json:"is_active"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewPatient validates and creates a patient, optionally with a home clinic
func NewPatient(userID types.ID, name string, clinicID *types.ID, now time.Time) (Patient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Patient{}, errors.Validation("patient name is required", map[string]string{"name": "required"})
	}
	return Patient{
		ID:              types.NewID(),
		UserID:          userID,
		Name:            name,
		CurrentClinicID: clinicID,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// HomeClinic returns the current clinic and whether one is assigned
func (p Patient) HomeClinic() (types.ID, bool) {
	if p.CurrentClinicID == nil || p.CurrentClinicID.IsZero() {
		return "", false
	}
	return *p.CurrentClinicID, true
}

// AssignClinic returns the patient reassigned to clinicID. Only transfer
// approval and the administrator override call it.
func (p Patient) AssignClinic(clinicID types.ID, now time.Time) Patient {
	p.CurrentClinicID = clinicID.Ptr()
	p.UpdatedAt = now
	return p
}

// CanView reports whether actor may read the patient record
func (p Patient) CanView(actor Actor) bool {
	if actor.IsAdmin() || actor.IsPatient(p.ID) {
		return true
	}
	home, ok := p.HomeClinic()
	return ok && actor.IsStaffOf(home)
}
