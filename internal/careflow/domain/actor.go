package domain

import (
	"fmt"

	"github.com/safar-saathi/careflow/internal/shared/types"
)

// ActorKind is the role an authenticated caller acts in
type ActorKind string

const (
	ActorPatient     ActorKind = "patient"
	ActorClinicStaff ActorKind = "clinic_staff"
	ActorAdmin       ActorKind = "admin"
	ActorSystem      ActorKind = "system"
)

// Actor is the caller of a workflow operation. It is resolved once per
// request by the transport layer and passed into every operation; nothing
// below the transport looks identity up on its own.
type Actor struct {
	Kind      ActorKind `json:"kind"`
	UserID    types.ID  `json:"user_id,omitempty"`
	PatientID types.ID  `json:"patient_id,omitempty"`
	ClinicID  types.ID  `json:"clinic_id,omitempty"`
}

func PatientActor(userID, patientID types.ID) Actor {
	return Actor{Kind: ActorPatient, UserID: userID, PatientID: patientID}
}

func StaffActor(userID, clinicID types.ID) Actor {
	return Actor{Kind: ActorClinicStaff, UserID: userID, ClinicID: clinicID}
}

func AdminActor(userID types.ID) Actor {
	return Actor{Kind: ActorAdmin, UserID: userID}
}

// SystemActor is used for operator jobs such as the grant expiry sweep
func SystemActor() Actor {
	return Actor{Kind: ActorSystem}
}

// IsPatient reports whether the actor is the given patient
func (a Actor) IsPatient(patientID types.ID) bool {
	return a.Kind == ActorPatient && !patientID.IsZero() && a.PatientID == patientID
}

// IsStaffOf reports whether the actor is staff of the given clinic
func (a Actor) IsStaffOf(clinicID types.ID) bool {
	return a.Kind == ActorClinicStaff && !clinicID.IsZero() && a.ClinicID == clinicID
}

// IsStaff reports whether the actor is staff of any clinic
func (a Actor) IsStaff() bool {
	return a.Kind == ActorClinicStaff && !a.ClinicID.IsZero()
}

func (a Actor) IsAdmin() bool {
	return a.Kind == ActorAdmin
}

// Ref identifies the actor in audit records and events
func (a Actor) Ref() string {
	switch a.Kind {
	case ActorPatient:
		return fmt.Sprintf("patient:%s", a.PatientID)
	case ActorClinicStaff:
		if a.UserID.IsZero() {
			return fmt.Sprintf("clinic:%s", a.ClinicID)
		}
		return fmt.Sprintf("clinic:%s/user:%s", a.ClinicID, a.UserID)
	case ActorAdmin:
		return fmt.Sprintf("admin:%s", a.UserID)
	default:
		return string(a.Kind)
	}
}
