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

const resourceDataRequest = "data_request"

// EmergencyInput describes a clinic responding to a patient's emergency alert
type EmergencyInput struct {
	PatientID         types.ID `json:"patient_id"`
	ResponderClinicID types.ID `json:"responder_clinic_id"`
	AlertID           string   `json:"alert_id"`
	Message           string   `json:"message"`
}

// EmergencyResult reports what the emergency path did. Request is nil when
// no request is needed (the responder is the home clinic, or the patient has
// none); Created is false when a same-day request already existed.
type EmergencyResult struct {
	Request *domain.MedicalDataRequest `json:"request,omitempty"`
	Created bool                       `json:"created"`
}

// CreateRequest opens an explicit data request. Explicit requests are not
// deduplicated; only the emergency path is.
func (s *Service) CreateRequest(ctx context.Context, actor domain.Actor, d domain.DataRequestDraft) (domain.MedicalDataRequest, error) {
	if !domain.CanCreateDataRequest(actor, d) {
		return domain.MedicalDataRequest{}, deny(resourceDataRequest, "create", "only staff of the requesting clinic can request medical data")
	}

	now := s.now()
	req, err := domain.NewMedicalDataRequest(d, now)
	if err != nil {
		return domain.MedicalDataRequest{}, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		patient, err := tx.GetPatient(ctx, req.PatientID)
		if err != nil {
			return err
		}
		if _, err := tx.GetClinic(ctx, req.RequestingClinicID); err != nil {
			return err
		}
		if _, err := tx.GetClinic(ctx, req.ParentClinicID); err != nil {
			return err
		}
		if home, ok := patient.HomeClinic(); !ok || home != req.ParentClinicID {
			return errors.InvalidTarget("parent clinic is not the patient's home clinic")
		}
		return tx.CreateDataRequest(ctx, req)
	})
	decision(resourceDataRequest, "create", err)
	if err != nil {
		return domain.MedicalDataRequest{}, err
	}

	s.afterCreate(ctx, actor, req, now, notification.PriorityNormal, notification.KindDataRequestCreated)
	return req, nil
}

func (s *Service) afterCreate(ctx context.Context, actor domain.Actor, req domain.MedicalDataRequest, now time.Time, priority notification.Priority, kind string) {
	metrics.RecordDataRequest(string(req.Origin), "created")
	s.log.Info().
		Str("data_request_id", req.ID.String()).
		Str("origin", string(req.Origin)).
		Str("parent_clinic_id", req.ParentClinicID.String()).
		Msg("medical data request created")

	s.record(ctx, actor, audit.ActionDataRequestCreated, resourceDataRequest, req.ID, map[string]any{
		"origin":               req.Origin,
		"requesting_clinic_id": req.RequestingClinicID,
		"parent_clinic_id":     req.ParentClinicID,
		"patient_id":           req.PatientID,
		"access_duration":      req.AccessDuration,
		"data_types":           req.DataTypes,
	}, now)
	s.notify(ctx, notification.Notification{
		Kind:              kind,
		Priority:          priority,
		RecipientClinicID: req.ParentClinicID,
		PatientID:         req.PatientID,
		ResourceType:      resourceDataRequest,
		ResourceID:        req.ID,
		Subject:           "Medical data request from " + req.RequestingClinicID.String(),
		Data:              map[string]any{"data_types": req.DataTypes, "origin": req.Origin},
	})
}

// ApproveRequest grants access. days only matters for temporary requests;
// zero selects the policy default.
func (s *Service) ApproveRequest(ctx context.Context, actor domain.Actor, id types.ID, days int) (domain.MedicalDataRequest, error) {
	return s.resolveRequest(ctx, actor, id, "approve", func(r domain.MedicalDataRequest, now time.Time) (domain.MedicalDataRequest, error) {
		return r.Approve(actor, days, now, s.cfg.Policy)
	})
}

// DenyRequest records a refusal with an optional reason
func (s *Service) DenyRequest(ctx context.Context, actor domain.Actor, id types.ID, reason string) (domain.MedicalDataRequest, error) {
	return s.resolveRequest(ctx, actor, id, "deny", func(r domain.MedicalDataRequest, now time.Time) (domain.MedicalDataRequest, error) {
		return r.Deny(actor, reason, now)
	})
}

func (s *Service) resolveRequest(
	ctx context.Context,
	actor domain.Actor,
	id types.ID,
	op string,
	apply func(domain.MedicalDataRequest, time.Time) (domain.MedicalDataRequest, error),
) (domain.MedicalDataRequest, error) {
	now := s.now()
	var resolved domain.MedicalDataRequest

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		r, err := tx.LockDataRequest(ctx, id)
		if err != nil {
			return err
		}
		next, err := apply(r, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateDataRequest(ctx, next, r.Status); err != nil {
			return err
		}
		resolved = next
		return nil
	})
	decision(resourceDataRequest, op, err)
	if err != nil {
		return domain.MedicalDataRequest{}, err
	}

	metrics.RecordDataRequest(string(resolved.Origin), string(resolved.Status))
	s.log.Info().
		Str("data_request_id", resolved.ID.String()).
		Str("status", string(resolved.Status)).
		Msg("medical data request resolved")

	action, kind := audit.ActionDataRequestApproved, notification.KindDataRequestApproved
	details := map[string]any{
		"access_duration":      resolved.AccessDuration,
		"access_granted_until": resolved.AccessGrantedUntil,
	}
	if resolved.Status == domain.StatusDenied {
		action, kind = audit.ActionDataRequestDenied, notification.KindDataRequestDenied
		details = map[string]any{"reason": resolved.Notes}
	}

	s.record(ctx, actor, action, resourceDataRequest, resolved.ID, details, now)
	s.notify(ctx, notification.Notification{
		Kind:              kind,
		RecipientClinicID: resolved.RequestingClinicID,
		PatientID:         resolved.PatientID,
		ResourceType:      resourceDataRequest,
		ResourceID:        resolved.ID,
		Subject:           "Medical data request " + string(resolved.Status),
		Data:              map[string]any{"access_granted_until": resolved.AccessGrantedUntil},
	})
	return resolved, nil
}

// GetRequest returns one request if actor is a party to it
func (s *Service) GetRequest(ctx context.Context, actor domain.Actor, id types.ID) (domain.MedicalDataRequest, error) {
	r, err := s.repo.FindDataRequest(ctx, id)
	if err != nil {
		return domain.MedicalDataRequest{}, err
	}
	if !r.CanView(actor) {
		return domain.MedicalDataRequest{}, deny(resourceDataRequest, "view", "actor cannot view this data request")
	}
	return r, nil
}

// IsAccessValid is evaluated at call time; it does not depend on
// ExpireGrants having run
func (s *Service) IsAccessValid(ctx context.Context, actor domain.Actor, id types.ID) (bool, error) {
	r, err := s.GetRequest(ctx, actor, id)
	if err != nil {
		return false, err
	}
	return r.IsAccessValid(s.now()), nil
}

// RespondToEmergency raises the automatic data request for a responder who
// is not the patient's home clinic. Concurrent responses for the same
// (responder, patient, home clinic) are serialized on a key lock so at most
// one request is created per calendar day.
func (s *Service) RespondToEmergency(ctx context.Context, actor domain.Actor, in EmergencyInput) (EmergencyResult, error) {
	if !actor.IsStaffOf(in.ResponderClinicID) {
		return EmergencyResult{}, deny(resourceDataRequest, "emergency", "only staff of the responding clinic can respond to an emergency")
	}

	now := s.now()
	var result EmergencyResult

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		patient, err := tx.GetPatient(ctx, in.PatientID)
		if err != nil {
			return err
		}
		if _, err := tx.GetClinic(ctx, in.ResponderClinicID); err != nil {
			return err
		}

		draft, ok := domain.EmergencyAccessRequest(patient, in.ResponderClinicID, in.AlertID, in.Message, now)
		if !ok {
			return nil
		}

		if err := tx.LockKey(ctx, domain.EmergencyKey(draft.RequestingClinicID, draft.PatientID, draft.ParentClinicID)); err != nil {
			return err
		}
		from, to := domain.DayBounds(now, s.cfg.Location)
		existing, err := tx.FindActiveRequest(ctx, draft.RequestingClinicID, draft.PatientID, draft.ParentClinicID, from, to)
		if err != nil {
			return err
		}
		if existing != nil {
			result = EmergencyResult{Request: existing}
			return nil
		}

		if err := tx.CreateDataRequest(ctx, draft); err != nil {
			return err
		}
		result = EmergencyResult{Request: &draft, Created: true}
		return nil
	})
	decision(resourceDataRequest, "emergency", err)
	if err != nil {
		return EmergencyResult{}, err
	}

	s.record(ctx, actor, audit.ActionEmergencyResponse, "patient", in.PatientID, map[string]any{
		"alert_id":            in.AlertID,
		"responder_clinic_id": in.ResponderClinicID,
		"request_created":     result.Created,
	}, now)

	switch {
	case result.Request == nil:
		s.log.Info().Str("patient_id", in.PatientID.String()).Msg("emergency at home clinic, no data request needed")
	case !result.Created:
		metrics.RecordEmergencyDedup()
		s.log.Info().
			Str("patient_id", in.PatientID.String()).
			Str("data_request_id", result.Request.ID.String()).
			Msg("emergency data request already exists for today")
	default:
		s.afterCreate(ctx, actor, *result.Request, now, notification.PriorityCritical, notification.KindEmergencyDataRequest)
	}
	return result, nil
}

// ExpireGrants moves up to limit lapsed approved grants to expired. It is
// bookkeeping for operators; IsAccessValid already reports lapsed grants as
// invalid without it.
func (s *Service) ExpireGrants(ctx context.Context, actor domain.Actor, limit int) (int, error) {
	if !actor.IsAdmin() && actor.Kind != domain.ActorSystem {
		return 0, deny(resourceDataRequest, "expire", "only an administrator or the system can expire grants")
	}
	if limit <= 0 {
		limit = 500
	}

	now := s.now()
	var expired []domain.MedicalDataRequest

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		lapsed, err := tx.LockLapsedGrants(ctx, now, limit)
		if err != nil {
			return err
		}
		for _, r := range lapsed {
			next, err := r.Expire(now)
			if err != nil {
				return err
			}
			if err := tx.UpdateDataRequest(ctx, next, r.Status); err != nil {
				return err
			}
			expired = append(expired, next)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordGrantsExpired(len(expired))
	for _, r := range expired {
		s.record(ctx, actor, audit.ActionDataRequestExpired, resourceDataRequest, r.ID, map[string]any{
			"access_granted_until": r.AccessGrantedUntil,
		}, now)
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Msg("lapsed grants marked expired")
	}
	return len(expired), nil
}

// ListRequests narrows filter to what actor may see
func (s *Service) ListRequests(ctx context.Context, actor domain.Actor, filter domain.DataRequestFilter) ([]domain.MedicalDataRequest, int, error) {
	switch {
	case actor.IsAdmin():
	case actor.IsPatient(actor.PatientID):
		filter.PatientID = actor.PatientID.Ptr()
	case actor.IsStaff():
		filter.ClinicID = actor.ClinicID.Ptr()
	default:
		return nil, 0, deny(resourceDataRequest, "list", "actor cannot list data requests")
	}
	filter.Limit = domain.PageLimit(filter.Limit)
	return s.repo.ListDataRequests(ctx, filter)
}
