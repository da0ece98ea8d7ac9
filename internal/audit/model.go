package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/types"
)

// canonicalJSON produces JSON with sorted map keys. Go maps iterate in
// random order and JSONB reorders keys, so hashes need a fixed encoding.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// ActorType defines the type of actor
type ActorType string

const (
	ActorTypePatient     ActorType = "patient"
	ActorTypeClinicStaff ActorType = "clinic_staff"
	ActorTypeAdmin       ActorType = "admin"
	ActorTypeSystem      ActorType = "system"
)

// Record is what the workflow hands over after a committed state change
type Record struct {
	ActorType     ActorType
	ActorID       string
	ActorClinicID *types.ID
	Action        string
	ResourceType  string
	ResourceID    types.ID
	Details       map[string]any
	Timestamp     time.Time
}

// AuditEntry represents an immutable audit log entry
type AuditEntry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	ActorType     ActorType `json:"actor_type"`
	ActorID       string    `json:"actor_id"`
	ActorClinicID *types.ID `json:"actor_clinic_id,omitempty"`

	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *types.ID `json:"resource_id,omitempty"`

	Changes map[string]any `json:"changes,omitempty"`
}

// NewAuditEntry creates an entry from a record, chained onto prevHash
func NewAuditEntry(rec Record, prevHash string) *AuditEntry {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := &AuditEntry{
		ID: types.NewID(),
		// PostgreSQL keeps microseconds; hashing must see the stored value.
		Timestamp:     ts.UTC().Truncate(time.Microsecond),
		PrevHash:      prevHash,
		ActorType:     rec.ActorType,
		ActorID:       rec.ActorID,
		ActorClinicID: rec.ActorClinicID,
		Action:        rec.Action,
		ResourceType:  rec.ResourceType,
		ResourceID:    rec.ResourceID.Ptr(),
		Changes:       rec.Details,
	}
	entry.Hash = entry.calculateHash()
	return entry
}

// calculateHash is SHA-256 over the canonical JSON of the entry fields,
// with the timestamp always rendered in UTC
func (e *AuditEntry) calculateHash() string {
	data := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":     e.PrevHash,
		"actor_type":    e.ActorType,
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
	}

	if e.ActorClinicID != nil {
		data["actor_clinic_id"] = e.ActorClinicID
	}
	if e.ResourceID != nil {
		data["resource_id"] = e.ResourceID
	}
	if len(e.Changes) > 0 {
		data["changes"] = e.Changes
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *AuditEntry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ListEntriesFilter defines filters for listing audit entries
type ListEntriesFilter struct {
	ActorID      string     `json:"actor_id,omitempty"`
	ActorType    *ActorType `json:"actor_type,omitempty"`
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   *types.ID  `json:"resource_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Workflow audit actions
const (
	ActionTransferSubmitted = "transfer.submitted"
	ActionTransferApproved  = "transfer.approved"
	ActionTransferRejected  = "transfer.rejected"
	ActionPatientReassigned = "patient.clinic_reassigned"

	ActionConsultationRequested = "consultation.requested"
	ActionConsultationApproved  = "consultation.approved"
	ActionConsultationStarted   = "consultation.started"
	ActionConsultationCompleted = "consultation.completed"
	ActionConsultationCancelled = "consultation.cancelled"
	ActionMedicalAccessGranted  = "consultation.access_granted"

	ActionDataRequestCreated  = "data_request.created"
	ActionDataRequestApproved = "data_request.approved"
	ActionDataRequestDenied   = "data_request.denied"
	ActionDataRequestExpired  = "data_request.expired"
	ActionEmergencyResponse   = "emergency.responded"

	ActionClinicRegistered  = "directory.clinic_registered"
	ActionPatientRegistered = "directory.patient_registered"
)
