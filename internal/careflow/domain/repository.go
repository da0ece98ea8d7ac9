package domain

import (
	"context"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Repository is the storage contract for the workflow. Reads outside a
// transaction see committed state only; every state change runs in WithinTx.
type Repository interface {
	// WithinTx runs fn in one transaction. fn's error rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	FindClinic(ctx context.Context, id types.ID) (Clinic, error)
	FindPatient(ctx context.Context, id types.ID) (Patient, error)
	FindTransfer(ctx context.Context, id types.ID) (TransferRequest, error)
	FindConsultation(ctx context.Context, id types.ID) (ExternalConsultation, error)
	FindDataRequest(ctx context.Context, id types.ID) (MedicalDataRequest, error)

	ListClinics(ctx context.Context, filter ClinicFilter) ([]Clinic, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]TransferRequest, int, error)
	ListConsultations(ctx context.Context, filter ConsultationFilter) ([]ExternalConsultation, int, error)
	ListDataRequests(ctx context.Context, filter DataRequestFilter) ([]MedicalDataRequest, int, error)
}

// Tx is the view of storage inside one transaction. Lock* reads hold the
// row until commit; Update* are compare-and-swap on the stored status and
// return AlreadyResolved when it no longer equals expected.
type Tx interface {
	GetClinic(ctx context.Context, id types.ID) (Clinic, error)
	GetPatient(ctx context.Context, id types.ID) (Patient, error)

	LockPatient(ctx context.Context, id types.ID) (Patient, error)
	LockTransfer(ctx context.Context, id types.ID) (TransferRequest, error)
	LockConsultation(ctx context.Context, id types.ID) (ExternalConsultation, error)
	LockDataRequest(ctx context.Context, id types.ID) (MedicalDataRequest, error)

	// LockKey serializes transactions on an arbitrary key until commit
	LockKey(ctx context.Context, key string) error

	CreateClinic(ctx context.Context, c Clinic) error
	CreatePatient(ctx context.Context, p Patient) error
	UpdatePatient(ctx context.Context, p Patient) error

	CreateTransfer(ctx context.Context, t TransferRequest) error
	UpdateTransfer(ctx context.Context, t TransferRequest, expected Status) error
	HasActiveTransfer(ctx context.Context, patientID, toClinicID types.ID) (bool, error)

	CreateConsultation(ctx context.Context, c ExternalConsultation) error
	UpdateConsultation(ctx context.Context, c ExternalConsultation, expected Status) error

	CreateDataRequest(ctx context.Context, r MedicalDataRequest) error
	UpdateDataRequest(ctx context.Context, r MedicalDataRequest, expected Status) error
	// FindActiveRequest returns a pending or approved request for the triple
	// created in [from, to), or nil
	FindActiveRequest(ctx context.Context, requesting, patient, parent types.ID, from, to time.Time) (*MedicalDataRequest, error)
	// LockLapsedGrants returns up to limit approved requests whose grant ended
	// at or before now, locked for update
	LockLapsedGrants(ctx context.Context, now time.Time, limit int) ([]MedicalDataRequest, error)
}

// ClinicFilter defines filters for listing clinics
type ClinicFilter struct {
	OnlyAccepting bool `json:"only_accepting,omitempty"`
	Limit         int  `json:"limit,omitempty"`
	Offset        int  `json:"offset,omitempty"`
}

// TransferFilter defines filters for listing transfers. ClinicID matches
// either side of the transfer.
type TransferFilter struct {
	PatientID *types.ID `json:"patient_id,omitempty"`
	ClinicID  *types.ID `json:"clinic_id,omitempty"`
	Status    *Status   `json:"status,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// ConsultationFilter defines filters for listing consultations. ClinicID
// matches either the requesting or the parent clinic.
type ConsultationFilter struct {
	PatientID *types.ID `json:"patient_id,omitempty"`
	ClinicID  *types.ID `json:"clinic_id,omitempty"`
	Status    *Status   `json:"status,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// DataRequestFilter defines filters for listing data requests. ClinicID
// matches either side; RequestingClinicID and ParentClinicID narrow to one.
type DataRequestFilter struct {
	PatientID          *types.ID      `json:"patient_id,omitempty"`
	ClinicID           *types.ID      `json:"clinic_id,omitempty"`
	RequestingClinicID *types.ID      `json:"requesting_clinic_id,omitempty"`
	ParentClinicID     *types.ID      `json:"parent_clinic_id,omitempty"`
	Status             *Status        `json:"status,omitempty"`
	Origin             *RequestOrigin `json:"origin,omitempty"`
	Limit              int            `json:"limit,omitempty"`
	Offset             int            `json:"offset,omitempty"`
}

// PageLimit clamps a requested page size the way every listing does
func PageLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
