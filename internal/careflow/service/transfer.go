package service

import (
	"context"

	"github.com/safar-saathi/careflow/internal/audit"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/notification"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

const resourceTransfer = "transfer"

// SubmitTransferInput carries a patient's move request
type SubmitTransferInput struct {
	PatientID  types.ID `json:"patient_id"`
	ToClinicID types.ID `json:"to_clinic_id"`
	Reason     string   `json:"reason"`
}

// SubmitTransfer opens a pending transfer. Checks run in the order NotFound,
// Unauthorized, InvalidTarget, DuplicateRequest, all before anything is written.
func (s *Service) SubmitTransfer(ctx context.Context, actor domain.Actor, in SubmitTransferInput) (domain.TransferRequest, error) {
	now := s.now()
	var created domain.TransferRequest

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		patient, err := tx.LockPatient(ctx, in.PatientID)
		if err != nil {
			return err
		}
		target, err := tx.GetClinic(ctx, in.ToClinicID)
		if err != nil {
			return err
		}
		if !domain.CanSubmitTransfer(actor, patient) {
			return errors.Unauthorized("actor cannot request a transfer for this patient")
		}

		t, err := domain.NewTransferRequest(patient, target, in.Reason, actor, now)
		if err != nil {
			return err
		}

		active, err := tx.HasActiveTransfer(ctx, patient.ID, target.ID)
		if err != nil {
			return err
		}
		if active {
			return errors.DuplicateRequest("an active transfer to this clinic already exists", map[string]string{
				"patient_id":   patient.ID.String(),
				"to_clinic_id": target.ID.String(),
			})
		}

		if err := tx.CreateTransfer(ctx, t); err != nil {
			return err
		}
		created = t
		return nil
	})
	decision(resourceTransfer, "submit", err)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	metrics.RecordTransfer("submitted")
	s.log.Info().
		Str("transfer_id", created.ID.String()).
		Str("patient_id", created.PatientID.String()).
		Str("to_clinic_id", created.ToClinicID.String()).
		Msg("transfer submitted")

	s.record(ctx, actor, audit.ActionTransferSubmitted, resourceTransfer, created.ID, map[string]any{
		"patient_id":     created.PatientID,
		"from_clinic_id": created.FromClinicID,
		"to_clinic_id":   created.ToClinicID,
		"reason":         created.Reason,
	}, now)
	s.notify(ctx, notification.Notification{
		Kind:              notification.KindTransferSubmitted,
		RecipientClinicID: created.ToClinicID,
		PatientID:         created.PatientID,
		ResourceType:      resourceTransfer,
		ResourceID:        created.ID,
		Subject:           "New transfer request",
	})
	return created, nil
}

// ApproveTransfer approves the request and reassigns the patient's home
// clinic in the same transaction. The transfer row is locked before the
// patient row; every path that holds both takes them in that order.
func (s *Service) ApproveTransfer(ctx context.Context, actor domain.Actor, id types.ID) (domain.TransferRequest, error) {
	now := s.now()
	var approved domain.TransferRequest
	var previous *types.ID

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		t, err := tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		patient, err := tx.LockPatient(ctx, t.PatientID)
		if err != nil {
			return err
		}

		next, reassigned, err := domain.ApplyTransfer(t, patient, actor, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, next, t.Status); err != nil {
			return err
		}
		if err := tx.UpdatePatient(ctx, reassigned); err != nil {
			return err
		}

		approved = next
		previous = patient.CurrentClinicID
		return nil
	})
	decision(resourceTransfer, "approve", err)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	metrics.RecordTransfer("approved")
	s.log.Info().
		Str("transfer_id", approved.ID.String()).
		Str("patient_id", approved.PatientID.String()).
		Msg("transfer approved, patient reassigned")

	s.record(ctx, actor, audit.ActionTransferApproved, resourceTransfer, approved.ID, map[string]any{
		"patient_id":   approved.PatientID,
		"to_clinic_id": approved.ToClinicID,
	}, now)
	s.record(ctx, actor, audit.ActionPatientReassigned, "patient", approved.PatientID, map[string]any{
		"from_clinic_id": previous,
		"to_clinic_id":   approved.ToClinicID,
		"transfer_id":    approved.ID,
	}, now)
	s.notifyResolution(ctx, approved, notification.KindTransferApproved, "Transfer approved")
	return approved, nil
}

// RejectTransfer rejects the request; the patient is not touched
func (s *Service) RejectTransfer(ctx context.Context, actor domain.Actor, id types.ID) (domain.TransferRequest, error) {
	now := s.now()
	var rejected domain.TransferRequest

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		t, err := tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		next, err := t.Reject(actor, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, next, t.Status); err != nil {
			return err
		}
		rejected = next
		return nil
	})
	decision(resourceTransfer, "reject", err)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	metrics.RecordTransfer("rejected")
	s.log.Info().Str("transfer_id", rejected.ID.String()).Msg("transfer rejected")

	s.record(ctx, actor, audit.ActionTransferRejected, resourceTransfer, rejected.ID, map[string]any{
		"patient_id":   rejected.PatientID,
		"to_clinic_id": rejected.ToClinicID,
	}, now)
	s.notifyResolution(ctx, rejected, notification.KindTransferRejected, "Transfer rejected")
	return rejected, nil
}

// notifyResolution tells the patient, and the sending clinic when there is one
func (s *Service) notifyResolution(ctx context.Context, t domain.TransferRequest, kind, subject string) {
	n := notification.Notification{
		Kind:         kind,
		PatientID:    t.PatientID,
		ResourceType: resourceTransfer,
		ResourceID:   t.ID,
		Subject:      subject,
		Data:         map[string]any{"to_clinic_id": t.ToClinicID, "status": t.Status},
	}
	s.notify(ctx, n)
	if from := types.Deref(t.FromClinicID); !from.IsZero() {
		n.RecipientClinicID = from
		s.notify(ctx, n)
	}
}

// GetTransfer returns one request if actor may see it
func (s *Service) GetTransfer(ctx context.Context, actor domain.Actor, id types.ID) (domain.TransferRequest, error) {
	t, err := s.repo.FindTransfer(ctx, id)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if !t.CanView(actor) {
		return domain.TransferRequest{}, deny(resourceTransfer, "view", "actor cannot view this transfer")
	}
	return t, nil
}

// ListTransfers narrows filter to what actor may see: a patient their own
// requests, staff those touching their clinic, admins everything
func (s *Service) ListTransfers(ctx context.Context, actor domain.Actor, filter domain.TransferFilter) ([]domain.TransferRequest, int, error) {
	switch {
	case actor.IsAdmin():
	case actor.IsPatient(actor.PatientID):
		filter.PatientID = actor.PatientID.Ptr()
	case actor.IsStaff():
		filter.ClinicID = actor.ClinicID.Ptr()
	default:
		return nil, 0, deny(resourceTransfer, "list", "actor cannot list transfers")
	}
	filter.Limit = domain.PageLimit(filter.Limit)
	return s.repo.ListTransfers(ctx, filter)
}

// AssignClinic is the administrator override for a patient's home clinic.
// It bypasses the transfer workflow but still requires an accepting clinic.
func (s *Service) AssignClinic(ctx context.Context, actor domain.Actor, patientID, clinicID types.ID) (domain.Patient, error) {
	if !actor.IsAdmin() {
		return domain.Patient{}, deny("patient", "assign_clinic", "only an administrator can reassign a patient directly")
	}
	now := s.now()
	var updated domain.Patient
	var previous *types.ID

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		patient, err := tx.LockPatient(ctx, patientID)
		if err != nil {
			return err
		}
		clinic, err := tx.GetClinic(ctx, clinicID)
		if err != nil {
			return err
		}
		if err := clinic.AcceptsPatients(); err != nil {
			return err
		}
		previous = patient.CurrentClinicID
		updated = patient.AssignClinic(clinic.ID, now)
		return tx.UpdatePatient(ctx, updated)
	})
	decision("patient", "assign_clinic", err)
	if err != nil {
		return domain.Patient{}, err
	}

	s.log.Info().
		Str("patient_id", updated.ID.String()).
		Str("clinic_id", clinicID.String()).
		Msg("patient reassigned by administrator")
	s.record(ctx, actor, audit.ActionPatientReassigned, "patient", updated.ID, map[string]any{
		"from_clinic_id": previous,
		"to_clinic_id":   clinicID,
		"override":       true,
	}, now)
	return updated, nil
}
