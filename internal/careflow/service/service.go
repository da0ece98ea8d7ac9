package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar-saathi/careflow/internal/audit"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/notification"
	"github.com/safar-saathi/careflow/internal/shared/config"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Auditor receives one record per committed state change. It is called
// synchronously after commit, never inside the transaction.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) error
}

// Notifier is fire-and-forget; it reports nothing back to the workflow
type Notifier interface {
	Notify(ctx context.Context, n notification.Notification)
}

// Config holds the workflow settings
type Config struct {
	Policy domain.AccessPolicy
	// Location defines the calendar day used by emergency dedup
	Location *time.Location
	// SelfConsultationRadiusKm rejects consultations booked from the home clinic
	SelfConsultationRadiusKm float64
}

// DefaultConfig returns the defaults used when no configuration is supplied
func DefaultConfig() Config {
	return Config{
		Policy:                   domain.DefaultAccessPolicy(),
		Location:                 time.UTC,
		SelfConsultationRadiusKm: 1.0,
	}
}

// ConfigFrom maps the workflow section of the application config
func ConfigFrom(cfg config.WorkflowConfig) Config {
	return Config{
		Policy: domain.AccessPolicy{
			ConsultationWindow:   cfg.ConsultationWindow,
			OneTimeWindow:        cfg.OneTimeWindow,
			DefaultTemporaryDays: cfg.DefaultTemporaryDays,
		},
		Location:                 cfg.Location(),
		SelfConsultationRadiusKm: cfg.SelfConsultationRadiusKm,
	}
}

// Service runs the transfer, consultation and data request workflows
type Service struct {
	repo     domain.Repository
	auditor  Auditor
	notifier Notifier
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a workflow service. A nil auditor or notifier disables that
// collaborator.
func New(repo domain.Repository, auditor Auditor, notifier Notifier, cfg Config, log zerolog.Logger) *Service {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		repo:     repo,
		auditor:  auditor,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "careflow").Logger(),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// WithClock replaces the time source; tests pin it
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the access policy in effect
func (s *Service) Policy() domain.AccessPolicy {
	return s.cfg.Policy
}

// record hands a committed change to the auditor. A failure here cannot undo
// the commit, so it is logged and counted.
func (s *Service) record(ctx context.Context, actor domain.Actor, action, resourceType string, id types.ID, details map[string]any, at time.Time) {
	rec := audit.Record{
		ActorType:     audit.ActorType(actor.Kind),
		ActorID:       actor.Ref(),
		ActorClinicID: actor.ClinicID.Ptr(),
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    id,
		Details:       details,
		Timestamp:     at,
	}
	if err := s.auditor.Record(ctx, rec); err != nil {
		metrics.RecordAuditFailure()
		s.log.Error().Err(err).
			Str("action", action).
			Str("resource_id", id.String()).
			Msg("audit record failed after commit")
	}
}

func (s *Service) notify(ctx context.Context, n notification.Notification) {
	s.notifier.Notify(ctx, n)
}

// decision counts the authorization outcome of a whole operation
func decision(resourceType, action string, err error) {
	metrics.RecordAuthorizationDecision(resourceType, action, !errors.Is(err, errors.ErrUnauthorized))
}

// deny counts and returns a refusal made before any storage access
func deny(resourceType, action, message string) error {
	metrics.RecordAuthorizationDecision(resourceType, action, false)
	return errors.Unauthorized(message)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Record) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notification.Notification) {}
