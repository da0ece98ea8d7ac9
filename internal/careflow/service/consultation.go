package service

import (
	"context"
	"time"

	"github.com/safar-saathi/careflow/internal/audit"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/notification"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

const resourceConsultation = "consultation"

// RequestConsultationInput books a visit at a clinic other than the
// patient's home clinic. PatientCoordinates, when present, is where the
// patient is right now as reported by the location collaborator; otherwise
// the patient's last stored position is used.
type RequestConsultationInput struct {
	PatientID          types.ID                `json:"patient_id"`
	RequestingClinicID types.ID                `json:"requesting_clinic_id"`
	ParentClinicID     types.ID                `json:"parent_clinic_id"`
	Type               domain.ConsultationType `json:"consultation_type"`
	ConsultationDate   time.Time               `json:"consultation_date"`
	Reason             string                  `json:"reason"`
	StayType           domain.StayType         `json:"stay_type"`
	CurrentLocation    string                  `json:"current_location"`
	Notes              string                  `json:"notes"`
	PatientCoordinates *types.Coordinates      `json:"patient_coordinates,omitempty"`
}

func (in RequestConsultationInput) draft() domain.ConsultationDraft {
	return domain.ConsultationDraft{
		PatientID:          in.PatientID,
		RequestingClinicID: in.RequestingClinicID,
		ParentClinicID:     in.ParentClinicID,
		Type:               in.Type,
		ConsultationDate:   in.ConsultationDate,
		Reason:             in.Reason,
		StayType:           in.StayType,
		CurrentLocation:    in.CurrentLocation,
		Notes:              in.Notes,
	}
}

// ConsultationApproval is the result of approving a consultation: the
// granted consultation and the data request created with it
type ConsultationApproval struct {
	Consultation domain.ExternalConsultation `json:"consultation"`
	DataRequest  domain.MedicalDataRequest   `json:"data_request"`
}

// RequestConsultation creates a consultation in requested
func (s *Service) RequestConsultation(ctx context.Context, actor domain.Actor, in RequestConsultationInput) (domain.ExternalConsultation, error) {
	draft := in.draft()
	if !domain.CanRequestConsultation(actor, draft) {
		return domain.ExternalConsultation{}, deny(resourceConsultation, "request", "actor cannot request a consultation for this patient")
	}
	if in.PatientCoordinates != nil && !in.PatientCoordinates.Valid() {
		return domain.ExternalConsultation{}, errors.Validation("coordinates out of range", map[string]string{"patient_coordinates": "invalid"})
	}

	now := s.now()
	c, err := domain.NewConsultation(draft, now)
	if err != nil {
		return domain.ExternalConsultation{}, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		patient, err := tx.GetPatient(ctx, c.PatientID)
		if err != nil {
			return err
		}
		requesting, err := tx.GetClinic(ctx, c.RequestingClinicID)
		if err != nil {
			return err
		}
		parent, err := tx.GetClinic(ctx, c.ParentClinicID)
		if err != nil {
			return err
		}

		home, ok := patient.HomeClinic()
		if !ok {
			return errors.InvalidTarget("patient has no home clinic")
		}
		if home != parent.ID {
			return errors.InvalidTarget("parent clinic is not the patient's home clinic")
		}
		if err := requesting.AcceptsPatients(); err != nil {
			return err
		}
		at := in.PatientCoordinates
		if at == nil {
			at = patient.Coordinates
		}
		if err := s.checkDistance(at, parent); err != nil {
			return err
		}

		return tx.CreateConsultation(ctx, c)
	})
	decision(resourceConsultation, "request", err)
	if err != nil {
		return domain.ExternalConsultation{}, err
	}

	metrics.RecordConsultation("requested")
	s.log.Info().
		Str("consultation_id", c.ID.String()).
		Str("patient_id", c.PatientID.String()).
		Str("requesting_clinic_id", c.RequestingClinicID.String()).
		Msg("consultation requested")

	s.record(ctx, actor, audit.ActionConsultationRequested, resourceConsultation, c.ID, map[string]any{
		"patient_id":           c.PatientID,
		"requesting_clinic_id": c.RequestingClinicID,
		"parent_clinic_id":     c.ParentClinicID,
		"consultation_type":    c.Type,
		"stay_type":            c.StayType,
		"consultation_date":    c.ConsultationDate,
	}, now)
	s.notify(ctx, notification.Notification{
		Kind:              notification.KindConsultationRequested,
		RecipientClinicID: c.ParentClinicID,
		PatientID:         c.PatientID,
		ResourceType:      resourceConsultation,
		ResourceID:        c.ID,
		Subject:           "External consultation requested",
		Data:              map[string]any{"requesting_clinic_id": c.RequestingClinicID},
	})
	return c, nil
}

// checkDistance rejects a booking made while the patient stands at the home clinic
func (s *Service) checkDistance(at *types.Coordinates, home domain.Clinic) error {
	if at == nil || home.Coordinates == nil || s.cfg.SelfConsultationRadiusKm <= 0 {
		return nil
	}
	if types.DistanceKm(*at, *home.Coordinates) < s.cfg.SelfConsultationRadiusKm {
		return errors.InvalidTarget("patient is at the home clinic")
	}
	return nil
}

// ApproveConsultation approves, grants medical access and creates the
// matching data request, all in one transaction
func (s *Service) ApproveConsultation(ctx context.Context, actor domain.Actor, id types.ID) (ConsultationApproval, error) {
	now := s.now()
	var result ConsultationApproval

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		c, err := tx.LockConsultation(ctx, id)
		if err != nil {
			return err
		}
		approved, err := c.Approve(actor, now, s.cfg.Policy)
		if err != nil {
			return err
		}
		if err := tx.UpdateConsultation(ctx, approved, c.Status); err != nil {
			return err
		}

		req := approved.AccessRequest(now)
		if err := tx.CreateDataRequest(ctx, req); err != nil {
			return err
		}

		result = ConsultationApproval{Consultation: approved, DataRequest: req}
		return nil
	})
	decision(resourceConsultation, "approve", err)
	if err != nil {
		return ConsultationApproval{}, err
	}

	c, req := result.Consultation, result.DataRequest
	metrics.RecordConsultation("approved")
	metrics.RecordDataRequest(string(req.Origin), "created")
	s.log.Info().
		Str("consultation_id", c.ID.String()).
		Str("data_request_id", req.ID.String()).
		Msg("consultation approved, medical access granted")

	s.record(ctx, actor, audit.ActionConsultationApproved, resourceConsultation, c.ID, map[string]any{
		"patient_id": c.PatientID,
	}, now)
	s.record(ctx, actor, audit.ActionMedicalAccessGranted, resourceConsultation, c.ID, map[string]any{
		"stay_type":     c.StayType,
		"access_expiry": c.AccessExpiry,
	}, now)
	s.record(ctx, actor, audit.ActionDataRequestCreated, resourceDataRequest, req.ID, map[string]any{
		"origin":          req.Origin,
		"source_id":       req.SourceID,
		"access_duration": req.AccessDuration,
		"data_types":      req.DataTypes,
	}, now)

	s.notify(ctx, notification.Notification{
		Kind:              notification.KindConsultationApproved,
		RecipientClinicID: c.RequestingClinicID,
		PatientID:         c.PatientID,
		ResourceType:      resourceConsultation,
		ResourceID:        c.ID,
		Subject:           "External consultation approved",
	})
	s.notify(ctx, notification.Notification{
		Kind:              notification.KindDataRequestCreated,
		RecipientClinicID: req.ParentClinicID,
		PatientID:         req.PatientID,
		ResourceType:      resourceDataRequest,
		ResourceID:        req.ID,
		Subject:           "Medical data request auto-sent to parent clinic",
	})
	return result, nil
}

// StartConsultation marks the visit in progress
func (s *Service) StartConsultation(ctx context.Context, actor domain.Actor, id types.ID) (domain.ExternalConsultation, error) {
	return s.advanceConsultation(ctx, actor, id, "start", audit.ActionConsultationStarted,
		func(c domain.ExternalConsultation, now time.Time) (domain.ExternalConsultation, error) {
			return c.Start(actor, now)
		})
}

// CompleteConsultation closes the visit; any access grant is left as it is
func (s *Service) CompleteConsultation(ctx context.Context, actor domain.Actor, id types.ID) (domain.ExternalConsultation, error) {
	return s.advanceConsultation(ctx, actor, id, "complete", audit.ActionConsultationCompleted,
		func(c domain.ExternalConsultation, now time.Time) (domain.ExternalConsultation, error) {
			return c.Complete(actor, now)
		})
}

// CancelConsultation cancels from any non-terminal status
func (s *Service) CancelConsultation(ctx context.Context, actor domain.Actor, id types.ID, reason string) (domain.ExternalConsultation, error) {
	return s.advanceConsultation(ctx, actor, id, "cancel", audit.ActionConsultationCancelled,
		func(c domain.ExternalConsultation, now time.Time) (domain.ExternalConsultation, error) {
			return c.Cancel(actor, reason, now)
		})
}

func (s *Service) advanceConsultation(
	ctx context.Context,
	actor domain.Actor,
	id types.ID,
	op, action string,
	apply func(domain.ExternalConsultation, time.Time) (domain.ExternalConsultation, error),
) (domain.ExternalConsultation, error) {
	now := s.now()
	var from domain.Status
	var next domain.ExternalConsultation

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		c, err := tx.LockConsultation(ctx, id)
		if err != nil {
			return err
		}
		updated, err := apply(c, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateConsultation(ctx, updated, c.Status); err != nil {
			return err
		}
		from, next = c.Status, updated
		return nil
	})
	decision(resourceConsultation, op, err)
	if err != nil {
		return domain.ExternalConsultation{}, err
	}

	metrics.RecordConsultation(string(next.Status))
	s.log.Info().
		Str("consultation_id", next.ID.String()).
		Str("from", string(from)).
		Str("to", string(next.Status)).
		Msg("consultation updated")

	s.record(ctx, actor, action, resourceConsultation, next.ID, map[string]any{
		"from": from,
		"to":   next.Status,
	}, now)

	n := notification.Notification{
		Kind:         notification.KindConsultationUpdated,
		PatientID:    next.PatientID,
		ResourceType: resourceConsultation,
		ResourceID:   next.ID,
		Subject:      "External consultation " + string(next.Status),
		Data:         map[string]any{"status": next.Status},
	}
	for _, clinic := range []types.ID{next.RequestingClinicID, next.ParentClinicID} {
		if actor.IsStaffOf(clinic) {
			continue
		}
		n.RecipientClinicID = clinic
		s.notify(ctx, n)
	}
	return next, nil
}

// GetConsultation returns one consultation if actor is a party to it
func (s *Service) GetConsultation(ctx context.Context, actor domain.Actor, id types.ID) (domain.ExternalConsultation, error) {
	c, err := s.repo.FindConsultation(ctx, id)
	if err != nil {
		return domain.ExternalConsultation{}, err
	}
	if !c.CanView(actor) {
		return domain.ExternalConsultation{}, deny(resourceConsultation, "view", "actor cannot view this consultation")
	}
	return c, nil
}

// HasActiveAccess evaluates the grant at call time. Nothing marks a
// consultation expired; a lapsed expiry simply reads false.
func (s *Service) HasActiveAccess(ctx context.Context, actor domain.Actor, id types.ID) (bool, error) {
	c, err := s.GetConsultation(ctx, actor, id)
	if err != nil {
		return false, err
	}
	return c.HasActiveAccess(s.now()), nil
}

// ListConsultations narrows filter to what actor may see
func (s *Service) ListConsultations(ctx context.Context, actor domain.Actor, filter domain.ConsultationFilter) ([]domain.ExternalConsultation, int, error) {
	switch {
	case actor.IsAdmin():
	case actor.IsPatient(actor.PatientID):
		filter.PatientID = actor.PatientID.Ptr()
	case actor.IsStaff():
		filter.ClinicID = actor.ClinicID.Ptr()
	default:
		return nil, 0, deny(resourceConsultation, "list", "actor cannot list consultations")
	}
	filter.Limit = domain.PageLimit(filter.Limit)
	return s.repo.ListConsultations(ctx, filter)
}
