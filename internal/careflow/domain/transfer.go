package domain

import (
	"strings"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// TransferRequest asks to move a patient's home clinic to ToClinicID
type TransferRequest struct {
	ID           types.ID   `json:"id"`
	PatientID    types.ID   `json:"patient_id"`
	FromClinicID *types.ID  `json:"from_clinic_id,omitempty"`
	ToClinicID   types.ID   `json:"to_clinic_id"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	RequestedBy  string     `json:"requested_by"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	RequestTime  time.Time  `json:"request_time"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// CanSubmitTransfer reports whether actor may open a transfer for patient:
// the patient themself, staff of the patient's current clinic, or an admin
func CanSubmitTransfer(actor Actor, patient Patient) bool {
	if actor.IsAdmin() || actor.IsPatient(patient.ID) {
		return true
	}
	home, ok := patient.HomeClinic()
	return ok && actor.IsStaffOf(home)
}

// NewTransferRequest validates the target and creates a pending request.
// Duplicate detection needs storage and is left to the caller.
func NewTransferRequest(patient Patient, to Clinic, reason string, actor Actor, now time.Time) (TransferRequest, error) {
	if home, ok := patient.HomeClinic(); ok && home == to.ID {
		return TransferRequest{}, errors.InvalidTarget("patient is already registered at the target clinic")
	}
	if err := to.AcceptsPatients(); err != nil {
		return TransferRequest{}, err
	}

	return TransferRequest{
		ID:           types.NewID(),
		PatientID:    patient.ID,
		FromClinicID: patient.CurrentClinicID,
		ToClinicID:   to.ID,
		Reason:       strings.TrimSpace(reason),
		Status:       TransferLifecycle.Initial(),
		RequestedBy:  actor.Ref(),
		RequestTime:  now,
	}, nil
}

// CanView reports whether actor may read the request: the patient, staff of
// either clinic, or an admin
func (t TransferRequest) CanView(actor Actor) bool {
	if actor.IsAdmin() || actor.IsPatient(t.PatientID) || actor.IsStaffOf(t.ToClinicID) {
		return true
	}
	return t.FromClinicID != nil && actor.IsStaffOf(*t.FromClinicID)
}

// IsActive reports whether the request still blocks a new one to the same clinic
func (t TransferRequest) IsActive() bool {
	return t.Status == StatusPending || t.Status == StatusApproved
}

func (t TransferRequest) resolve(actor Actor, to Status, now time.Time) (TransferRequest, error) {
	if !actor.IsStaffOf(t.ToClinicID) {
		return t, errors.Unauthorized("only staff of the destination clinic can resolve a transfer")
	}
	if err := TransferLifecycle.Transition(t.ID, t.Status, to); err != nil {
		return t, err
	}
	t.Status = to
	t.ResolvedBy = actor.Ref()
	t.ResolvedAt = &now
	return t, nil
}

// Approve returns the approved request. Use ApplyTransfer to get the
// patient reassignment alongside it.
func (t TransferRequest) Approve(actor Actor, now time.Time) (TransferRequest, error) {
	return t.resolve(actor, StatusApproved, now)
}

// Reject returns the rejected request; the patient is untouched
func (t TransferRequest) Reject(actor Actor, now time.Time) (TransferRequest, error) {
	return t.resolve(actor, StatusRejected, now)
}

// ApplyTransfer approves t and reassigns patient in one decision. Both
// snapshots must be persisted in the same transaction.
func ApplyTransfer(t TransferRequest, patient Patient, actor Actor, now time.Time) (TransferRequest, Patient, error) {
	if patient.ID != t.PatientID {
		return t, patient, errors.Validation("patient does not match transfer", map[string]string{"patient_id": patient.ID.String()})
	}
	approved, err := t.Approve(actor, now)
	if err != nil {
		return t, patient, err
	}
	return approved, patient.AssignClinic(approved.ToClinicID, now), nil
}
