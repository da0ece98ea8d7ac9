package notification

import (
	"time"

	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Priority orders notifications for providers that care
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Kinds of workflow notifications
const (
	KindTransferSubmitted     = "transfer.submitted"
	KindTransferApproved      = "transfer.approved"
	KindTransferRejected      = "transfer.rejected"
	KindConsultationRequested = "consultation.requested"
	KindConsultationApproved  = "consultation.approved"
	KindConsultationUpdated   = "consultation.updated"
	KindDataRequestCreated    = "data_request.created"
	KindDataRequestApproved   = "data_request.approved"
	KindDataRequestDenied     = "data_request.denied"
	KindEmergencyDataRequest  = "data_request.emergency"
)

// Notification is a fire-and-forget message about a workflow change
type Notification struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Priority Priority `json:"priority"`

	// RecipientClinicID is the clinic whose inbox receives the message;
	// zero means the patient alone.
	RecipientClinicID types.ID `json:"recipient_clinic_id,omitempty"`
	PatientID         types.ID `json:"patient_id,omitempty"`

	ResourceType string   `json:"resource_type"`
	ResourceID   types.ID `json:"resource_id"`

	Subject string         `json:"subject"`
	Data    map[string]any `json:"data,omitempty"`

	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats counts what the service has done since start
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
