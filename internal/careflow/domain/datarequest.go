package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// AccessDuration selects how access_granted_until is derived on approval
type AccessDuration string

const (
	DurationOneTime   AccessDuration = "one_time"
	DurationTemporary AccessDuration = "temporary"
	DurationPermanent AccessDuration = "permanent"
)

func (d AccessDuration) valid() bool {
	return d == DurationOneTime || d == DurationTemporary || d == DurationPermanent
}

// RequestOrigin records which path created a data request
type RequestOrigin string

const (
	OriginExplicit     RequestOrigin = "explicit"
	OriginConsultation RequestOrigin = "consultation"
	OriginEmergency    RequestOrigin = "emergency"
)

// Data types requested automatically during emergency response
var EmergencyDataTypes = []string{
	"treatment_history",
	"medications",
	"allergies",
	"emergency_contacts",
	"chronic_conditions",
	"recent_lab_results",
	"vital_signs",
}

// MedicalDataRequest is a request by one clinic for a patient's data held by
// the patient's home clinic
type MedicalDataRequest struct {
	ID                 types.ID       `json:"id"`
	RequestingClinicID types.ID       `json:"requesting_clinic_id"`
	PatientID          types.ID       `json:"patient_id"`
	ParentClinicID     types.ID       `json:"parent_clinic_id"`
	Reason             string         `json:"request_reason"`
	DataTypes          []string       `json:"requested_data_types"`
	AccessDuration     AccessDuration `json:"access_duration"`
	Status             Status         `json:"status"`
	Origin             RequestOrigin  `json:"origin"`
	SourceID           *types.ID      `json:"source_id,omitempty"`

	ApprovedBy         string     `json:"approved_by,omitempty"`
	ApprovalDate       *time.Time `json:"approval_date,omitempty"`
	AccessGrantedUntil *time.Time `json:"access_granted_until,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DataRequestDraft is the input to NewMedicalDataRequest
type DataRequestDraft struct {
	RequestingClinicID types.ID
	PatientID          types.ID
	ParentClinicID     types.ID
	Reason             string
	DataTypes          []string
	AccessDuration     AccessDuration
	Notes              string
}

// NewMedicalDataRequest validates an explicit request and creates it pending
func NewMedicalDataRequest(d DataRequestDraft, now time.Time) (MedicalDataRequest, error) {
	if !d.RequestingClinicID.IsZero() && d.RequestingClinicID == d.ParentClinicID {
		return MedicalDataRequest{}, errors.SameClinic()
	}

	details := map[string]string{}
	if d.RequestingClinicID.IsZero() {
		details["requesting_clinic_id"] = "required"
	}
	if d.PatientID.IsZero() {
		details["patient_id"] = "required"
	}
	if d.ParentClinicID.IsZero() {
		details["parent_clinic_id"] = "required"
	}
	if strings.TrimSpace(d.Reason) == "" {
		details["request_reason"] = "required"
	}
	dataTypes := normalizeTags(d.DataTypes)
	if len(dataTypes) == 0 {
		details["requested_data_types"] = "at least one data type is required"
	}
	if !d.AccessDuration.valid() {
		details["access_duration"] = "must be one_time, temporary or permanent"
	}
	if len(details) > 0 {
		return MedicalDataRequest{}, errors.Validation("invalid medical data request", details)
	}

	return MedicalDataRequest{
		ID:                 types.NewID(),
		RequestingClinicID: d.RequestingClinicID,
		PatientID:          d.PatientID,
		ParentClinicID:     d.ParentClinicID,
		Reason:             strings.TrimSpace(d.Reason),
		DataTypes:          dataTypes,
		AccessDuration:     d.AccessDuration,
		Status:             DataRequestLifecycle.Initial(),
		Origin:             OriginExplicit,
		Notes:              d.Notes,
		CreatedAt:          now,
	}, nil
}

// EmergencyAccessRequest drafts the automatic request raised when clinic
// responderID answers an emergency for patient. ok is false when the patient
// has no home clinic or the responder is the home clinic.
func EmergencyAccessRequest(patient Patient, responderID types.ID, alertID, message string, now time.Time) (MedicalDataRequest, bool) {
	home, assigned := patient.HomeClinic()
	if !assigned || home == responderID {
		return MedicalDataRequest{}, false
	}
	return MedicalDataRequest{
		ID:                 types.NewID(),
		RequestingClinicID: responderID,
		PatientID:          patient.ID,
		ParentClinicID:     home,
		Reason:             fmt.Sprintf("EMERGENCY RESPONSE: %s. Critical medical data access required for emergency care.", message),
		DataTypes:          append([]string(nil), EmergencyDataTypes...),
		AccessDuration:     DurationTemporary,
		Status:             DataRequestLifecycle.Initial(),
		Origin:             OriginEmergency,
		Notes:              fmt.Sprintf("Auto-generated during emergency response. Alert ID: %s", alertID),
		CreatedAt:          now,
	}, true
}

// CanCreateDataRequest reports whether actor may open an explicit request
func CanCreateDataRequest(actor Actor, d DataRequestDraft) bool {
	return actor.IsStaffOf(d.RequestingClinicID)
}

// CanView reports whether actor may read the request
func (r MedicalDataRequest) CanView(actor Actor) bool {
	return actor.IsAdmin() ||
		actor.IsPatient(r.PatientID) ||
		actor.IsStaffOf(r.RequestingClinicID) ||
		actor.IsStaffOf(r.ParentClinicID)
}

// Approve grants access. access_granted_until is derived from the access
// duration here and nowhere else.
func (r MedicalDataRequest) Approve(actor Actor, days int, now time.Time, policy AccessPolicy) (MedicalDataRequest, error) {
	if !actor.IsStaffOf(r.ParentClinicID) {
		return r, errors.Unauthorized("only staff of the parent clinic can approve a data request")
	}
	if err := DataRequestLifecycle.Transition(r.ID, r.Status, StatusApproved); err != nil {
		return r, err
	}
	until, err := policy.GrantUntil(r.AccessDuration, days, now)
	if err != nil {
		return r, err
	}

	r.Status = StatusApproved
	r.ApprovedBy = actor.Ref()
	r.ApprovalDate = &now
	r.AccessGrantedUntil = until
	return r, nil
}

// Deny records the decision; access_granted_until stays unset
func (r MedicalDataRequest) Deny(actor Actor, reason string, now time.Time) (MedicalDataRequest, error) {
	if !actor.IsStaffOf(r.ParentClinicID) {
		return r, errors.Unauthorized("only staff of the parent clinic can deny a data request")
	}
	if err := DataRequestLifecycle.Transition(r.ID, r.Status, StatusDenied); err != nil {
		return r, err
	}

	r.Status = StatusDenied
	r.ApprovedBy = actor.Ref()
	r.ApprovalDate = &now
	r.AccessGrantedUntil = nil
	r.Notes = reason
	return r, nil
}

// Expire marks a lapsed grant expired. It is bookkeeping only: IsAccessValid
// already reports false once the bound has passed.
func (r MedicalDataRequest) Expire(now time.Time) (MedicalDataRequest, error) {
	if err := DataRequestLifecycle.Transition(r.ID, r.Status, StatusExpired); err != nil {
		return r, err
	}
	if validUntil(r.AccessGrantedUntil, now) {
		return r, errors.Validation("grant has not lapsed", map[string]string{"id": r.ID.String()})
	}
	r.Status = StatusExpired
	return r, nil
}

// IsAccessValid is recomputed on every call
func (r MedicalDataRequest) IsAccessValid(now time.Time) bool {
	return r.Status == StatusApproved && validUntil(r.AccessGrantedUntil, now)
}

// IsActive reports whether the request blocks a same-day emergency duplicate
func (r MedicalDataRequest) IsActive() bool {
	return r.Status == StatusPending || r.Status == StatusApproved
}

// DayBounds returns the [start, end) of the calendar day containing t in loc
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// EmergencyKey identifies the dedup triple for serializing concurrent
// emergency responses
func EmergencyKey(requesting, patient, parent types.ID) string {
	return fmt.Sprintf("emergency:%s:%s:%s", requesting, patient, parent)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
