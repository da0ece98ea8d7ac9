package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// StayType decides whether a consultation grant expires
type StayType string

const (
	StayTemporary StayType = "temporary"
	StayPermanent StayType = "permanent"
)

// ConsultationType classifies why the requesting clinic sees the patient
type ConsultationType string

const (
	ConsultationSpecialist ConsultationType = "specialist_consultation"
	ConsultationEmergency  ConsultationType = "emergency_care"
	ConsultationFollowUp   ConsultationType = "follow_up"
	ConsultationDiagnostic ConsultationType = "diagnostic_services"
)

func (t ConsultationType) valid() bool {
	switch t {
	case ConsultationSpecialist, ConsultationEmergency, ConsultationFollowUp, ConsultationDiagnostic:
		return true
	}
	return false
}

// Data types shared with the parent clinic when a consultation is approved
var ConsultationDataTypes = []string{"treatment_records", "prescriptions", "test_results"}

// ExternalConsultation is a visit by a patient to a clinic other than their
// home clinic, and the medical data access that follows approval
type ExternalConsultation struct {
	ID                 types.ID         `json:"id"`
	PatientID          types.ID         `json:"patient_id"`
	RequestingClinicID types.ID         `json:"requesting_clinic_id"`
	ParentClinicID     types.ID         `json:"parent_clinic_id"`
	Type               ConsultationType `json:"consultation_type"`
	ConsultationDate   time.Time        `json:"consultation_date"`
	Reason             string           `json:"reason"`
	StayType           StayType         `json:"stay_type"`
	CurrentLocation    string           `json:"current_location,omitempty"`
	Status             Status           `json:"status"`

	MedicalDataAccessGranted bool       `json:"medical_data_access_granted"`
	AccessExpiry             *time.Time `json:"access_expiry,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConsultationDraft is the input to NewConsultation
type ConsultationDraft struct {
	PatientID          types.ID
	RequestingClinicID types.ID
	ParentClinicID     types.ID
	Type               ConsultationType
	ConsultationDate   time.Time
	Reason             string
	StayType           StayType
	CurrentLocation    string
	Notes              string
}

// CanRequestConsultation reports whether actor may book on the patient's
// behalf: the patient, or staff of the requesting clinic
func CanRequestConsultation(actor Actor, d ConsultationDraft) bool {
	return actor.IsPatient(d.PatientID) || actor.IsStaffOf(d.RequestingClinicID)
}

// NewConsultation validates a draft and creates a requested consultation
func NewConsultation(d ConsultationDraft, now time.Time) (ExternalConsultation, error) {
	if d.RequestingClinicID == d.ParentClinicID {
		return ExternalConsultation{}, errors.SameClinic()
	}

	details := map[string]string{}
	if d.PatientID.IsZero() {
		details["patient_id"] = "required"
	}
	if d.RequestingClinicID.IsZero() {
		details["requesting_clinic_id"] = "required"
	}
	if d.ParentClinicID.IsZero() {
		details["parent_clinic_id"] = "required"
	}
	if d.ConsultationDate.IsZero() {
		details["consultation_date"] = "required"
	}
	if d.StayType != StayTemporary && d.StayType != StayPermanent {
		details["stay_type"] = "must be temporary or permanent"
	}
	if d.Type == "" {
		d.Type = ConsultationSpecialist
	} else if !d.Type.valid() {
		details["consultation_type"] = "unknown"
	}
	if len(details) > 0 {
		return ExternalConsultation{}, errors.Validation("invalid consultation request", details)
	}

	return ExternalConsultation{
		ID:                 types.NewID(),
		PatientID:          d.PatientID,
		RequestingClinicID: d.RequestingClinicID,
		ParentClinicID:     d.ParentClinicID,
		Type:               d.Type,
		ConsultationDate:   d.ConsultationDate,
		Reason:             strings.TrimSpace(d.Reason),
		StayType:           d.StayType,
		CurrentLocation:    strings.TrimSpace(d.CurrentLocation),
		Status:             ConsultationLifecycle.Initial(),
		Notes:              d.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// GrantMedicalAccess returns c with access granted: no expiry for permanent
// stays, consultation_date plus the consultation window for temporary ones
func GrantMedicalAccess(c ExternalConsultation, policy AccessPolicy) ExternalConsultation {
	c.MedicalDataAccessGranted = true
	c.AccessExpiry = policy.ConsultationExpiry(c.StayType, c.ConsultationDate)
	return c
}

// Approve is the parent clinic's decision. The returned snapshot carries the
// access grant.
func (c ExternalConsultation) Approve(actor Actor, now time.Time, policy AccessPolicy) (ExternalConsultation, error) {
	if !actor.IsStaffOf(c.ParentClinicID) {
		return c, errors.Unauthorized("only staff of the parent clinic can approve a consultation")
	}
	next, err := c.transition(StatusApproved, now)
	if err != nil {
		return c, err
	}
	return GrantMedicalAccess(next, policy), nil
}

// Start marks the visit in progress at the requesting clinic
func (c ExternalConsultation) Start(actor Actor, now time.Time) (ExternalConsultation, error) {
	if !actor.IsStaffOf(c.RequestingClinicID) {
		return c, errors.Unauthorized("only staff of the requesting clinic can start a consultation")
	}
	return c.transition(StatusInProgress, now)
}

// Complete closes the visit. The access grant is unaffected.
func (c ExternalConsultation) Complete(actor Actor, now time.Time) (ExternalConsultation, error) {
	if !actor.IsStaffOf(c.RequestingClinicID) {
		return c, errors.Unauthorized("only staff of the requesting clinic can complete a consultation")
	}
	return c.transition(StatusCompleted, now)
}

// Cancel may be called by the patient, either clinic, or an admin
func (c ExternalConsultation) Cancel(actor Actor, reason string, now time.Time) (ExternalConsultation, error) {
	if !c.involves(actor) {
		return c, errors.Unauthorized("actor is not a party to this consultation")
	}
	next, err := c.transition(StatusCancelled, now)
	if err != nil {
		return c, err
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		next.Notes = strings.TrimSpace(next.Notes + "\nCancelled: " + reason)
	}
	return next, nil
}

func (c ExternalConsultation) transition(to Status, now time.Time) (ExternalConsultation, error) {
	if err := ConsultationLifecycle.Transition(c.ID, c.Status, to); err != nil {
		return c, err
	}
	c.Status = to
	c.UpdatedAt = now
	return c, nil
}

func (c ExternalConsultation) involves(actor Actor) bool {
	return actor.IsAdmin() ||
		actor.IsPatient(c.PatientID) ||
		actor.IsStaffOf(c.RequestingClinicID) ||
		actor.IsStaffOf(c.ParentClinicID)
}

// CanView reports whether actor may read the consultation
func (c ExternalConsultation) CanView(actor Actor) bool {
	return c.involves(actor)
}

// HasActiveAccess is evaluated on every access attempt; a lapsed expiry
// reports false whether or not anything marked the record.
func (c ExternalConsultation) HasActiveAccess(now time.Time) bool {
	return c.MedicalDataAccessGranted && validUntil(c.AccessExpiry, now)
}

// AccessRequest drafts the data request that approval creates alongside the
// grant, scoped to the consultation data types
func (c ExternalConsultation) AccessRequest(now time.Time) MedicalDataRequest {
	duration := DurationPermanent
	if c.StayType == StayTemporary {
		duration = DurationOneTime
	}
	return MedicalDataRequest{
		ID:                 types.NewID(),
		RequestingClinicID: c.RequestingClinicID,
		PatientID:          c.PatientID,
		ParentClinicID:     c.ParentClinicID,
		Reason:             fmt.Sprintf("External consultation: %s", c.Reason),
		DataTypes:          append([]string(nil), ConsultationDataTypes...),
		AccessDuration:     duration,
		Status:             DataRequestLifecycle.Initial(),
		Origin:             OriginConsultation,
		SourceID:           c.ID.Ptr(),
		CreatedAt:          now,
	}
}
