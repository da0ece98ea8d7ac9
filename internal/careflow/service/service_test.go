package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar-saathi/careflow/internal/audit"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/careflow/infrastructure"
	"github.com/safar-saathi/careflow/internal/notification"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (a *recordingAuditor) Record(ctx context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notification.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	repo     *infrastructure.MemoryRepository
	svc      *Service
	auditor  *recordingAuditor
	notifier *recordingNotifier
	now      time.Time

	admin   domain.Actor
	clinicA domain.Clinic
	clinicB domain.Clinic
	clinicC domain.Clinic
	patient domain.Patient
}

var mumbai = types.Coordinates{Lat: 19.0760, Lng: 72.8777}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     infrastructure.NewMemoryRepository(),
		auditor:  &recordingAuditor{},
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		admin:    domain.AdminActor(types.NewID()),
	}
	f.svc = New(f.repo, f.auditor, f.notifier, DefaultConfig(), zerolog.Nop()).
		WithClock(func() time.Time { return f.now })

	ctx := context.Background()
	f.clinicA = f.registerClinic(t, "Clinic A", &mumbai, true, true)
	f.clinicB = f.registerClinic(t, "Clinic B", nil, true, true)
	f.clinicC = f.registerClinic(t, "Clinic C", nil, true, true)

	p, err := f.svc.RegisterPatient(ctx, f.admin, RegisterPatientInput{
		UserID:   types.NewID(),
		Name:     "Asha",
		ClinicID: f.clinicA.ID.Ptr(),
	})
	require.NoError(t, err)
	f.patient = p
	return f
}

func (f *fixture) registerClinic(t *testing.T, name string, coords *types.Coordinates, approved, active bool) domain.Clinic {
	t.Helper()
	c, err := f.svc.RegisterClinic(context.Background(), f.admin, RegisterClinicInput{
		Name:        name,
		Coordinates: coords,
		Approved:    approved,
		Active:      active,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) patientActor() domain.Actor {
	return domain.PatientActor(f.patient.UserID, f.patient.ID)
}

func staff(c domain.Clinic) domain.Actor {
	return domain.StaffActor(types.NewID(), c.ID)
}

func (f *fixture) currentClinic(t *testing.T) types.ID {
	t.Helper()
	p, err := f.repo.FindPatient(context.Background(), f.patient.ID)
	require.NoError(t, err)
	return types.Deref(p.CurrentClinicID)
}

// --- Transfer Coordinator ---

func TestScenarioATransferLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{
		PatientID:  f.patient.ID,
		ToClinicID: f.clinicB.ID,
		Reason:     "relocation",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.Equal(t, f.clinicA.ID, types.Deref(tr.FromClinicID))

	approved, err := f.svc.ApproveTransfer(ctx, staff(f.clinicB), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.NotNil(t, approved.ResolvedAt)
	assert.Equal(t, f.clinicB.ID, f.currentClinic(t))

	_, err = f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{
		PatientID:  f.patient.ID,
		ToClinicID: f.clinicB.ID,
	})
	assert.ErrorIs(t, err, errors.ErrInvalidTarget)

	assert.Contains(t, f.auditor.actions(), audit.ActionTransferApproved)
	assert.Contains(t, f.auditor.actions(), audit.ActionPatientReassigned)
	assert.Contains(t, f.notifier.kinds(), notification.KindTransferApproved)
}

func TestSubmitTransferDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID}

	_, err := f.svc.SubmitTransfer(ctx, f.patientActor(), in)
	require.NoError(t, err)

	_, err = f.svc.SubmitTransfer(ctx, f.patientActor(), in)
	assert.ErrorIs(t, err, errors.ErrDuplicateRequest)

	// a different clinic is allowed alongside
	_, err = f.svc.SubmitTransfer(ctx, staff(f.clinicA), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicC.ID})
	assert.NoError(t, err)

	_, total, err := f.svc.ListTransfers(ctx, f.admin, domain.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestSubmitTransferAfterRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID}

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), in)
	require.NoError(t, err)
	rejected, err := f.svc.RejectTransfer(ctx, staff(f.clinicB), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, f.clinicA.ID, f.currentClinic(t))

	_, err = f.svc.SubmitTransfer(ctx, f.patientActor(), in)
	assert.NoError(t, err)
}

func TestSubmitTransferCheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closed := f.registerClinic(t, "Closed", nil, true, false)

	tests := []struct {
		name  string
		actor domain.Actor
		in    SubmitTransferInput
		kind  error
	}{
		{"unknown patient", f.admin, SubmitTransferInput{PatientID: types.NewID(), ToClinicID: f.clinicB.ID}, errors.ErrNotFound},
		{"unknown clinic", staff(f.clinicC), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: types.NewID()}, errors.ErrNotFound},
		{"unrelated staff", staff(f.clinicC), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID}, errors.ErrUnauthorized},
		{"current clinic", f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicA.ID}, errors.ErrInvalidTarget},
		{"inactive clinic", f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: closed.ID}, errors.ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitTransfer(ctx, tt.actor, tt.in)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestApproveTransferRequiresDestinationStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)

	for _, actor := range []domain.Actor{staff(f.clinicA), f.patientActor(), f.admin} {
		_, err := f.svc.ApproveTransfer(ctx, actor, tr.ID)
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
	}

	stored, err := f.repo.FindTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, f.clinicA.ID, f.currentClinic(t))

	_, err = f.svc.ApproveTransfer(ctx, staff(f.clinicB), types.NewID())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestApproveLeavesOtherTransfersPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	toB, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)
	toC, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicC.ID})
	require.NoError(t, err)

	_, err = f.svc.ApproveTransfer(ctx, staff(f.clinicB), toB.ID)
	require.NoError(t, err)

	other, err := f.repo.FindTransfer(ctx, toC.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, other.Status)

	_, err = f.svc.ApproveTransfer(ctx, staff(f.clinicB), toB.ID)
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved)
}

func TestScenarioDConcurrentApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)

	const callers = 8
	results := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.ApproveTransfer(ctx, staff(f.clinicB), tr.ID)
		}(i)
	}
	wg.Wait()

	var ok, resolved int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case stderrors.Is(err, errors.ErrAlreadyResolved):
			resolved++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, resolved)
	assert.Equal(t, f.clinicB.ID, f.currentClinic(t))
}

func TestApproveTransferRollsBackOnPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)

	f.repo.FailNext = func(op string) error {
		if op == "update patient" {
			return stderrors.New("disk full")
		}
		return nil
	}
	before := len(f.auditor.actions())

	_, err = f.svc.ApproveTransfer(ctx, staff(f.clinicB), tr.ID)
	assert.ErrorIs(t, err, errors.ErrPersistence)

	f.repo.FailNext = nil
	stored, err := f.repo.FindTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, f.clinicA.ID, f.currentClinic(t))
	assert.Len(t, f.auditor.actions(), before, "nothing is audited for a rolled back change")
}

func TestAuditFailureDoesNotUndoCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.auditor.err = stderrors.New("audit store down")

	tr, err := f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)

	stored, err := f.repo.FindTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestListTransfersScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.svc.RegisterPatient(ctx, f.admin, RegisterPatientInput{Name: "Ravi", ClinicID: f.clinicC.ID.Ptr()})
	require.NoError(t, err)

	_, err = f.svc.SubmitTransfer(ctx, f.patientActor(), SubmitTransferInput{PatientID: f.patient.ID, ToClinicID: f.clinicB.ID})
	require.NoError(t, err)
	_, err = f.svc.SubmitTransfer(ctx, f.admin, SubmitTransferInput{PatientID: other.ID, ToClinicID: f.clinicA.ID})
	require.NoError(t, err)

	mine, total, err := f.svc.ListTransfers(ctx, f.patientActor(), domain.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, f.patient.ID, mine[0].PatientID)

	// clinic A is the source of one transfer and the target of the other
	_, total, err = f.svc.ListTransfers(ctx, staff(f.clinicA), domain.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = f.svc.ListTransfers(ctx, staff(f.clinicB), domain.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, _, err = f.svc.ListTransfers(ctx, domain.SystemActor(), domain.TransferFilter{})
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestAssignClinicOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AssignClinic(ctx, staff(f.clinicA), f.patient.ID, f.clinicC.ID)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	p, err := f.svc.AssignClinic(ctx, f.admin, f.patient.ID, f.clinicC.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clinicC.ID, types.Deref(p.CurrentClinicID))
	assert.Equal(t, f.clinicC.ID, f.currentClinic(t))
}

// --- External Consultation Grantor ---

func (f *fixture) consultationInput(stay domain.StayType) RequestConsultationInput {
	return RequestConsultationInput{
		PatientID:          f.patient.ID,
		RequestingClinicID: f.clinicB.ID,
		ParentClinicID:     f.clinicA.ID,
		ConsultationDate:   time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		Reason:             "travelling",
		StayType:           stay,
	}
}

func TestRequestConsultationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("same clinic", func(t *testing.T) {
		in := f.consultationInput(domain.StayTemporary)
		in.RequestingClinicID = f.clinicA.ID
		_, err := f.svc.RequestConsultation(ctx, f.patientActor(), in)
		var appErr *errors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "SAME_CLINIC", appErr.Code)
	})

	t.Run("parent is not home clinic", func(t *testing.T) {
		in := f.consultationInput(domain.StayTemporary)
		in.ParentClinicID = f.clinicC.ID
		_, err := f.svc.RequestConsultation(ctx, f.patientActor(), in)
		assert.ErrorIs(t, err, errors.ErrInvalidTarget)
	})

	t.Run("standing at the home clinic", func(t *testing.T) {
		in := f.consultationInput(domain.StayTemporary)
		here := types.Coordinates{Lat: 19.0765, Lng: 72.8780}
		in.PatientCoordinates = &here
		_, err := f.svc.RequestConsultation(ctx, f.patientActor(), in)
		assert.ErrorIs(t, err, errors.ErrInvalidTarget)
	})

	t.Run("far from home", func(t *testing.T) {
		in := f.consultationInput(domain.StayTemporary)
		delhi := types.Coordinates{Lat: 28.6139, Lng: 77.2090}
		in.PatientCoordinates = &delhi
		c, err := f.svc.RequestConsultation(ctx, f.patientActor(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRequested, c.Status)
		assert.Equal(t, domain.ConsultationSpecialist, c.Type)
	})

	t.Run("stored position at the home clinic", func(t *testing.T) {
		here := types.Coordinates{Lat: 19.0762, Lng: 72.8779}
		p, err := f.svc.RegisterPatient(ctx, f.admin, RegisterPatientInput{
			UserID:      types.NewID(),
			Name:        "Meera",
			ClinicID:    f.clinicA.ID.Ptr(),
			Coordinates: &here,
		})
		require.NoError(t, err)
		actor := domain.PatientActor(p.UserID, p.ID)

		in := f.consultationInput(domain.StayTemporary)
		in.PatientID = p.ID
		_, err = f.svc.RequestConsultation(ctx, actor, in)
		assert.ErrorIs(t, err, errors.ErrInvalidTarget)

		// a reported position takes precedence over the stored one
		delhi := types.Coordinates{Lat: 28.6139, Lng: 77.2090}
		in.PatientCoordinates = &delhi
		_, err = f.svc.RequestConsultation(ctx, actor, in)
		require.NoError(t, err)
	})

	t.Run("unrelated staff", func(t *testing.T) {
		_, err := f.svc.RequestConsultation(ctx, staff(f.clinicC), f.consultationInput(domain.StayTemporary))
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
	})
}

func TestScenarioBApproveTemporaryConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RequestConsultation(ctx, staff(f.clinicB), f.consultationInput(domain.StayTemporary))
	require.NoError(t, err)

	_, err = f.svc.ApproveConsultation(ctx, staff(f.clinicB), c.ID)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	f.now = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	result, err := f.svc.ApproveConsultation(ctx, staff(f.clinicA), c.ID)
	require.NoError(t, err)

	approved := result.Consultation
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.True(t, approved.MedicalDataAccessGranted)
	require.NotNil(t, approved.AccessExpiry)
	assert.Equal(t, time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC), *approved.AccessExpiry)

	req := result.DataRequest
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, domain.DurationOneTime, req.AccessDuration)
	assert.Equal(t, domain.OriginConsultation, req.Origin)
	assert.Equal(t, domain.ConsultationDataTypes, req.DataTypes)
	assert.Equal(t, c.ID, types.Deref(req.SourceID))
	assert.Equal(t, f.clinicA.ID, req.ParentClinicID)

	stored, err := f.repo.FindDataRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, stored.ID)

	f.now = time.Date(2024, 1, 11, 9, 59, 0, 0, time.UTC)
	active, err := f.svc.HasActiveAccess(ctx, staff(f.clinicB), c.ID)
	require.NoError(t, err)
	assert.True(t, active)

	f.now = time.Date(2024, 1, 11, 10, 1, 0, 0, time.UTC)
	active, err = f.svc.HasActiveAccess(ctx, staff(f.clinicB), c.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = f.svc.ApproveConsultation(ctx, staff(f.clinicA), c.ID)
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved)
}

func TestApprovePermanentConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RequestConsultation(ctx, f.patientActor(), f.consultationInput(domain.StayPermanent))
	require.NoError(t, err)
	result, err := f.svc.ApproveConsultation(ctx, staff(f.clinicA), c.ID)
	require.NoError(t, err)

	assert.Nil(t, result.Consultation.AccessExpiry)
	assert.Equal(t, domain.DurationPermanent, result.DataRequest.AccessDuration)

	f.now = f.now.AddDate(5, 0, 0)
	active, err := f.svc.HasActiveAccess(ctx, f.patientActor(), c.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestApproveConsultationRollsBackDataRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RequestConsultation(ctx, f.patientActor(), f.consultationInput(domain.StayTemporary))
	require.NoError(t, err)

	f.repo.FailNext = func(op string) error {
		if op == "save data request" {
			return stderrors.New("constraint violation")
		}
		return nil
	}
	_, err = f.svc.ApproveConsultation(ctx, staff(f.clinicA), c.ID)
	assert.ErrorIs(t, err, errors.ErrPersistence)
	f.repo.FailNext = nil

	stored, err := f.repo.FindConsultation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequested, stored.Status)
	assert.False(t, stored.MedicalDataAccessGranted)

	_, total, err := f.repo.ListDataRequests(ctx, domain.DataRequestFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestConsultationProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RequestConsultation(ctx, f.patientActor(), f.consultationInput(domain.StayTemporary))
	require.NoError(t, err)

	_, err = f.svc.StartConsultation(ctx, staff(f.clinicB), c.ID)
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved, "cannot start before approval")

	_, err = f.svc.ApproveConsultation(ctx, staff(f.clinicA), c.ID)
	require.NoError(t, err)

	_, err = f.svc.StartConsultation(ctx, staff(f.clinicA), c.ID)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	started, err := f.svc.StartConsultation(ctx, staff(f.clinicB), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, started.Status)

	done, err := f.svc.CompleteConsultation(ctx, staff(f.clinicB), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.True(t, done.MedicalDataAccessGranted)

	_, err = f.svc.CancelConsultation(ctx, f.patientActor(), c.ID, "changed plans")
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved)
}

func TestCancelConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RequestConsultation(ctx, f.patientActor(), f.consultationInput(domain.StayTemporary))
	require.NoError(t, err)

	_, err = f.svc.CancelConsultation(ctx, staff(f.clinicC), c.ID, "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	cancelled, err := f.svc.CancelConsultation(ctx, f.patientActor(), c.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "changed plans")

	active, err := f.svc.HasActiveAccess(ctx, f.patientActor(), c.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

// --- Medical Data Request Ledger ---

func (f *fixture) draft(d domain.AccessDuration) domain.DataRequestDraft {
	return domain.DataRequestDraft{
		RequestingClinicID: f.clinicB.ID,
		PatientID:          f.patient.ID,
		ParentClinicID:     f.clinicA.ID,
		Reason:             "second opinion",
		DataTypes:          []string{"Prescriptions", "test_results"},
		AccessDuration:     d,
	}
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationTemporary))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, domain.OriginExplicit, req.Origin)
	assert.Equal(t, []string{"prescriptions", "test_results"}, req.DataTypes)

	// explicit requests are not deduplicated
	_, err = f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationTemporary))
	assert.NoError(t, err)

	_, err = f.svc.CreateRequest(ctx, staff(f.clinicC), f.draft(domain.DurationTemporary))
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	wrongParent := f.draft(domain.DurationTemporary)
	wrongParent.ParentClinicID = f.clinicC.ID
	_, err = f.svc.CreateRequest(ctx, staff(f.clinicB), wrongParent)
	assert.ErrorIs(t, err, errors.ErrInvalidTarget)

	invalid := f.draft("forever")
	_, err = f.svc.CreateRequest(ctx, staff(f.clinicB), invalid)
	assert.ErrorIs(t, err, errors.ErrValidation)

	assert.Contains(t, f.notifier.kinds(), notification.KindDataRequestCreated)
}

func TestScenarioCTemporaryRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationTemporary))
	require.NoError(t, err)

	_, err = f.svc.ApproveRequest(ctx, staff(f.clinicB), req.ID, 7)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	f.now = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	approver := staff(f.clinicA)
	approved, err := f.svc.ApproveRequest(ctx, approver, req.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, approver.Ref(), approved.ApprovedBy)
	require.NotNil(t, approved.AccessGrantedUntil)
	assert.Equal(t, time.Date(2024, 2, 8, 0, 0, 0, 0, time.UTC), *approved.AccessGrantedUntil)

	f.now = time.Date(2024, 2, 7, 23, 59, 0, 0, time.UTC)
	valid, err := f.svc.IsAccessValid(ctx, staff(f.clinicB), req.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	f.now = time.Date(2024, 2, 8, 0, 1, 0, 0, time.UTC)
	valid, err = f.svc.IsAccessValid(ctx, staff(f.clinicB), req.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = f.svc.ApproveRequest(ctx, approver, req.ID, 7)
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved)
}

func TestDenyRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationPermanent))
	require.NoError(t, err)

	denied, err := f.svc.DenyRequest(ctx, staff(f.clinicA), req.ID, "insufficient justification")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDenied, denied.Status)
	assert.Equal(t, "insufficient justification", denied.Notes)
	assert.Nil(t, denied.AccessGrantedUntil)
	assert.NotNil(t, denied.ApprovalDate)

	_, err = f.svc.DenyRequest(ctx, staff(f.clinicA), req.ID, "")
	assert.ErrorIs(t, err, errors.ErrAlreadyResolved)

	valid, err := f.svc.IsAccessValid(ctx, f.patientActor(), req.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = f.svc.IsAccessValid(ctx, staff(f.clinicC), req.ID)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestEmergencyDedupSameDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := EmergencyInput{PatientID: f.patient.ID, ResponderClinicID: f.clinicB.ID, AlertID: "alert-1", Message: "collapsed at station"}

	first, err := f.svc.RespondToEmergency(ctx, staff(f.clinicB), in)
	require.NoError(t, err)
	require.NotNil(t, first.Request)
	assert.True(t, first.Created)
	assert.Equal(t, domain.OriginEmergency, first.Request.Origin)
	assert.Equal(t, domain.DurationTemporary, first.Request.AccessDuration)
	assert.Contains(t, first.Request.Reason, "EMERGENCY RESPONSE:")
	assert.Contains(t, first.Request.Notes, "alert-1")

	f.now = f.now.Add(6 * time.Hour)
	in.AlertID = "alert-2"
	second, err := f.svc.RespondToEmergency(ctx, staff(f.clinicB), in)
	require.NoError(t, err)
	assert.False(t, second.Created)
	require.NotNil(t, second.Request)
	assert.Equal(t, first.Request.ID, second.Request.ID)

	f.now = f.now.Add(24 * time.Hour)
	third, err := f.svc.RespondToEmergency(ctx, staff(f.clinicB), in)
	require.NoError(t, err)
	assert.True(t, third.Created)

	origin := domain.OriginEmergency
	_, total, err := f.repo.ListDataRequests(ctx, domain.DataRequestFilter{Origin: &origin})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestEmergencyDedupConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := EmergencyInput{PatientID: f.patient.ID, ResponderClinicID: f.clinicB.ID, AlertID: "storm", Message: "fall"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RespondToEmergency(ctx, staff(f.clinicB), in)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, total, err := f.repo.ListDataRequests(ctx, domain.DataRequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestEmergencyAtHomeClinic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.RespondToEmergency(ctx, staff(f.clinicA), EmergencyInput{PatientID: f.patient.ID, ResponderClinicID: f.clinicA.ID})
	require.NoError(t, err)
	assert.Nil(t, result.Request)
	assert.False(t, result.Created)

	_, err = f.svc.RespondToEmergency(ctx, staff(f.clinicC), EmergencyInput{PatientID: f.patient.ID, ResponderClinicID: f.clinicB.ID})
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestLazyExpiryAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationOneTime))
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(ctx, staff(f.clinicA), req.ID, 0)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	valid, err := f.svc.IsAccessValid(ctx, staff(f.clinicB), req.ID)
	require.NoError(t, err)
	assert.False(t, valid, "lapsed grant is invalid before any sweep")

	_, err = f.svc.ExpireGrants(ctx, staff(f.clinicA), 0)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	n, err := f.svc.ExpireGrants(ctx, domain.SystemActor(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.repo.FindDataRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)

	n, err = f.svc.ExpireGrants(ctx, f.admin, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.auditor.actions(), audit.ActionDataRequestExpired)
}

func TestListRequestsScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, staff(f.clinicB), f.draft(domain.DurationOneTime))
	require.NoError(t, err)

	_, total, err := f.svc.ListRequests(ctx, staff(f.clinicA), domain.DataRequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = f.svc.ListRequests(ctx, staff(f.clinicC), domain.DataRequestFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	_, total, err = f.svc.ListRequests(ctx, f.patientActor(), domain.DataRequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// --- Directory ---

func TestDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterClinic(ctx, staff(f.clinicA), RegisterClinicInput{Name: "Rogue"})
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	_, err = f.svc.RegisterPatient(ctx, f.admin, RegisterPatientInput{Name: "Lost", ClinicID: types.NewID().Ptr()})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	f.registerClinic(t, "Pending approval", nil, false, true)
	accepting, err := f.svc.ListClinics(ctx, domain.ClinicFilter{OnlyAccepting: true})
	require.NoError(t, err)
	assert.Len(t, accepting, 3)

	all, err := f.svc.ListClinics(ctx, domain.ClinicFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = f.svc.GetPatient(ctx, staff(f.clinicB), f.patient.ID)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	p, err := f.svc.GetPatient(ctx, staff(f.clinicA), f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asha", p.Name)
}
