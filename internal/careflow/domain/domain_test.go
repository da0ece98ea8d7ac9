package domain

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var policy = DefaultAccessPolicy()

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func acceptingClinic(t *testing.T, name string) Clinic {
	t.Helper()
	c, err := NewClinic(name, "", nil, true, true, time.Now())
	require.NoError(t, err)
	return c
}

func patientAt(t *testing.T, clinic *Clinic) Patient {
	t.Helper()
	var home *types.ID
	if clinic != nil {
		home = clinic.ID.Ptr()
	}
	p, err := NewPatient(types.NewID(), "Asha", home, time.Now())
	require.NoError(t, err)
	return p
}

func TestLifecycleTables(t *testing.T) {
	tests := []struct {
		name string
		l    Lifecycle
		from Status
		to   Status
		ok   bool
	}{
		{"transfer approve", TransferLifecycle, StatusPending, StatusApproved, true},
		{"transfer reject", TransferLifecycle, StatusPending, StatusRejected, true},
		{"transfer terminal", TransferLifecycle, StatusApproved, StatusRejected, false},
		{"consultation approve", ConsultationLifecycle, StatusRequested, StatusApproved, true},
		{"consultation start", ConsultationLifecycle, StatusApproved, StatusInProgress, true},
		{"consultation skip start", ConsultationLifecycle, StatusRequested, StatusInProgress, false},
		{"consultation cancel in progress", ConsultationLifecycle, StatusInProgress, StatusCancelled, true},
		{"consultation cancel completed", ConsultationLifecycle, StatusCompleted, StatusCancelled, false},
		{"data request deny", DataRequestLifecycle, StatusPending, StatusDenied, true},
		{"data request expire", DataRequestLifecycle, StatusApproved, StatusExpired, true},
		{"data request expire pending", DataRequestLifecycle, StatusPending, StatusExpired, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.l.Transition(types.NewID(), tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved), "got %v", err)
			}
		})
	}

	assert.True(t, TransferLifecycle.IsTerminal(StatusRejected))
	assert.True(t, ConsultationLifecycle.Valid(StatusInProgress))
	assert.False(t, TransferLifecycle.Valid(StatusInProgress))
}

func TestActorPredicates(t *testing.T) {
	clinicID := types.NewID()
	patientID := types.NewID()

	staff := StaffActor(types.NewID(), clinicID)
	assert.True(t, staff.IsStaffOf(clinicID))
	assert.False(t, staff.IsStaffOf(types.NewID()))
	assert.False(t, staff.IsStaffOf(""))
	assert.False(t, staff.IsPatient(patientID))

	patient := PatientActor(types.NewID(), patientID)
	assert.True(t, patient.IsPatient(patientID))
	assert.False(t, patient.IsStaffOf(clinicID))

	assert.True(t, AdminActor(types.NewID()).IsAdmin())
	assert.Equal(t, "system", SystemActor().Ref())
}

func TestNewTransferRequest(t *testing.T) {
	a := acceptingClinic(t, "Clinic A")
	b := acceptingClinic(t, "Clinic B")
	p := patientAt(t, &a)
	now := time.Now()

	t.Run("records from clinic", func(t *testing.T) {
		tr, err := NewTransferRequest(p, b, " relocation ", PatientActor(p.UserID, p.ID), now)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, tr.Status)
		assert.Equal(t, a.ID, types.Deref(tr.FromClinicID))
		assert.Equal(t, "relocation", tr.Reason)
	})

	t.Run("unassigned patient has no from clinic", func(t *testing.T) {
		tr, err := NewTransferRequest(patientAt(t, nil), b, "", AdminActor(types.NewID()), now)
		require.NoError(t, err)
		assert.Nil(t, tr.FromClinicID)
	})

	t.Run("current clinic is invalid target", func(t *testing.T) {
		_, err := NewTransferRequest(p, a, "", PatientActor(p.UserID, p.ID), now)
		assert.True(t, stderrors.Is(err, errors.ErrInvalidTarget))
	})

	t.Run("inactive clinic is invalid target", func(t *testing.T) {
		closed := b
		closed.Active = false
		_, err := NewTransferRequest(p, closed, "", PatientActor(p.UserID, p.ID), now)
		assert.True(t, stderrors.Is(err, errors.ErrInvalidTarget))
	})
}

func TestCanSubmitTransfer(t *testing.T) {
	a := acceptingClinic(t, "Clinic A")
	p := patientAt(t, &a)

	assert.True(t, CanSubmitTransfer(PatientActor(p.UserID, p.ID), p))
	assert.True(t, CanSubmitTransfer(StaffActor(types.NewID(), a.ID), p))
	assert.True(t, CanSubmitTransfer(AdminActor(types.NewID()), p))
	assert.False(t, CanSubmitTransfer(StaffActor(types.NewID(), types.NewID()), p))
	assert.False(t, CanSubmitTransfer(PatientActor(types.NewID(), types.NewID()), p))
}

func TestApplyTransfer(t *testing.T) {
	a := acceptingClinic(t, "Clinic A")
	b := acceptingClinic(t, "Clinic B")
	p := patientAt(t, &a)
	now := time.Now()

	tr, err := NewTransferRequest(p, b, "relocation", PatientActor(p.UserID, p.ID), now)
	require.NoError(t, err)

	t.Run("source clinic cannot approve", func(t *testing.T) {
		_, _, err := ApplyTransfer(tr, p, StaffActor(types.NewID(), a.ID), now)
		assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))
	})

	t.Run("destination clinic approves and reassigns", func(t *testing.T) {
		approved, moved, err := ApplyTransfer(tr, p, StaffActor(types.NewID(), b.ID), now)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, approved.Status)
		assert.Equal(t, b.ID, types.Deref(moved.CurrentClinicID))
		// Inputs are snapshots and stay untouched.
		assert.Equal(t, StatusPending, tr.Status)
		assert.Equal(t, a.ID, types.Deref(p.CurrentClinicID))

		_, err = approved.Reject(StaffActor(types.NewID(), b.ID), now)
		assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved))
	})

	t.Run("reject leaves patient alone", func(t *testing.T) {
		rejected, err := tr.Reject(StaffActor(types.NewID(), b.ID), now)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, rejected.Status)
		require.NotNil(t, rejected.ResolvedAt)
	})
}

func temporaryConsultation(t *testing.T, date time.Time) (ExternalConsultation, Actor) {
	t.Helper()
	parent := types.NewID()
	c, err := NewConsultation(ConsultationDraft{
		PatientID:          types.NewID(),
		RequestingClinicID: types.NewID(),
		ParentClinicID:     parent,
		ConsultationDate:   date,
		Reason:             "travel",
		StayType:           StayTemporary,
	}, date.Add(-48*time.Hour))
	require.NoError(t, err)
	return c, StaffActor(types.NewID(), parent)
}

func TestNewConsultationSameClinic(t *testing.T) {
	clinic := types.NewID()
	_, err := NewConsultation(ConsultationDraft{
		PatientID:          types.NewID(),
		RequestingClinicID: clinic,
		ParentClinicID:     clinic,
		ConsultationDate:   time.Now(),
		StayType:           StayTemporary,
	}, time.Now())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTarget))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, "SAME_CLINIC", appErr.Code)
}

func TestNewConsultationValidation(t *testing.T) {
	_, err := NewConsultation(ConsultationDraft{
		PatientID:          types.NewID(),
		RequestingClinicID: types.NewID(),
		ParentClinicID:     types.NewID(),
		StayType:           "weekend",
		Type:               "spa",
	}, time.Now())
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "stay_type")
	assert.Contains(t, appErr.Details, "consultation_type")
	assert.Contains(t, appErr.Details, "consultation_date")
}

// Grant determinism: permanent never expires, temporary expires exactly
// consultation_date + 24h.
func TestGrantMedicalAccessDeterminism(t *testing.T) {
	date := mustTime(t, "2024-01-10T10:00:00Z")
	c, _ := temporaryConsultation(t, date)

	granted := GrantMedicalAccess(c, policy)
	assert.True(t, granted.MedicalDataAccessGranted)
	require.NotNil(t, granted.AccessExpiry)
	assert.True(t, granted.AccessExpiry.Equal(date.Add(24*time.Hour)))

	c.StayType = StayPermanent
	granted = GrantMedicalAccess(c, policy)
	assert.True(t, granted.MedicalDataAccessGranted)
	assert.Nil(t, granted.AccessExpiry)
}

func TestScenarioBTemporaryConsultation(t *testing.T) {
	date := mustTime(t, "2024-01-10T10:00:00Z")
	c, parentStaff := temporaryConsultation(t, date)

	// Approval time does not move the expiry.
	approved, err := c.Approve(parentStaff, mustTime(t, "2024-03-01T08:00:00Z"), policy)
	require.NoError(t, err)
	require.NotNil(t, approved.AccessExpiry)
	assert.True(t, approved.AccessExpiry.Equal(mustTime(t, "2024-01-11T10:00:00Z")))

	assert.True(t, approved.HasActiveAccess(mustTime(t, "2024-01-11T09:59:00Z")))
	assert.False(t, approved.HasActiveAccess(mustTime(t, "2024-01-11T10:00:00Z")))
	assert.False(t, approved.HasActiveAccess(mustTime(t, "2024-01-11T10:01:00Z")))
}

func TestConsultationTransitions(t *testing.T) {
	c, parentStaff := temporaryConsultation(t, time.Now().Add(time.Hour))
	requestingStaff := StaffActor(types.NewID(), c.RequestingClinicID)
	now := time.Now()

	_, err := c.Approve(requestingStaff, now, policy)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	_, err = c.Start(requestingStaff, now)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved))

	approved, err := c.Approve(parentStaff, now, policy)
	require.NoError(t, err)

	_, err = approved.Approve(parentStaff, now, policy)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved))

	_, err = approved.Start(parentStaff, now)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	started, err := approved.Start(requestingStaff, now)
	require.NoError(t, err)
	completed, err := started.Complete(requestingStaff, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	// Grant is governed by approval and expiry only.
	assert.True(t, completed.MedicalDataAccessGranted)

	_, err = completed.Cancel(PatientActor(types.NewID(), c.PatientID), "", now)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved))
}

func TestConsultationCancel(t *testing.T) {
	c, _ := temporaryConsultation(t, time.Now().Add(time.Hour))
	now := time.Now()

	_, err := c.Cancel(StaffActor(types.NewID(), types.NewID()), "", now)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	cancelled, err := c.Cancel(PatientActor(types.NewID(), c.PatientID), "plans changed", now)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "plans changed")
	assert.False(t, cancelled.HasActiveAccess(now))
}

func TestConsultationAccessRequest(t *testing.T) {
	c, _ := temporaryConsultation(t, time.Now())
	r := c.AccessRequest(time.Now())

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, DurationOneTime, r.AccessDuration)
	assert.Equal(t, OriginConsultation, r.Origin)
	assert.Equal(t, []string{"treatment_records", "prescriptions", "test_results"}, r.DataTypes)
	assert.Equal(t, c.ID, types.Deref(r.SourceID))
	assert.Nil(t, r.AccessGrantedUntil)

	c.StayType = StayPermanent
	assert.Equal(t, DurationPermanent, c.AccessRequest(time.Now()).AccessDuration)
}

func pendingDataRequest(t *testing.T, duration AccessDuration) (MedicalDataRequest, Actor) {
	t.Helper()
	parent := types.NewID()
	r, err := NewMedicalDataRequest(DataRequestDraft{
		RequestingClinicID: types.NewID(),
		PatientID:          types.NewID(),
		ParentClinicID:     parent,
		Reason:             "referral",
		DataTypes:          []string{"Prescriptions", "prescriptions ", "test_results"},
		AccessDuration:     duration,
	}, time.Now())
	require.NoError(t, err)
	return r, StaffActor(types.NewID(), parent)
}

func TestNewMedicalDataRequest(t *testing.T) {
	r, _ := pendingDataRequest(t, DurationTemporary)
	assert.Equal(t, []string{"prescriptions", "test_results"}, r.DataTypes)
	assert.Nil(t, r.AccessGrantedUntil)
	assert.Equal(t, OriginExplicit, r.Origin)

	_, err := NewMedicalDataRequest(DataRequestDraft{
		RequestingClinicID: types.NewID(),
		PatientID:          types.NewID(),
		ParentClinicID:     types.NewID(),
		AccessDuration:     "forever",
	}, time.Now())
	assert.True(t, stderrors.Is(err, errors.ErrValidation))
}

func TestScenarioCTemporaryDataRequest(t *testing.T) {
	r, approver := pendingDataRequest(t, DurationTemporary)
	approvedAt := mustTime(t, "2024-02-01T00:00:00Z")

	approved, err := r.Approve(approver, 7, approvedAt, policy)
	require.NoError(t, err)
	require.NotNil(t, approved.AccessGrantedUntil)
	assert.True(t, approved.AccessGrantedUntil.Equal(mustTime(t, "2024-02-08T00:00:00Z")))
	assert.Equal(t, approver.Ref(), approved.ApprovedBy)

	assert.True(t, approved.IsAccessValid(mustTime(t, "2024-02-07T23:59:00Z")))
	assert.False(t, approved.IsAccessValid(mustTime(t, "2024-02-08T00:01:00Z")))
}

func TestDataRequestApproveDurations(t *testing.T) {
	now := mustTime(t, "2024-05-01T12:00:00Z")

	tests := []struct {
		name     string
		duration AccessDuration
		days     int
		want     *time.Time
	}{
		{"one time", DurationOneTime, 0, ptr(now.Add(24 * time.Hour))},
		{"one time ignores days", DurationOneTime, 9, ptr(now.Add(24 * time.Hour))},
		{"temporary default", DurationTemporary, 0, ptr(now.AddDate(0, 0, 30))},
		{"temporary explicit", DurationTemporary, 3, ptr(now.AddDate(0, 0, 3))},
		{"one time ignores negative days", DurationOneTime, -1, ptr(now.Add(24 * time.Hour))},
		{"permanent", DurationPermanent, 5, nil},
		{"permanent ignores negative days", DurationPermanent, -1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, approver := pendingDataRequest(t, tt.duration)
			approved, err := r.Approve(approver, tt.days, now, policy)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, approved.AccessGrantedUntil)
				assert.True(t, approved.IsAccessValid(now.AddDate(10, 0, 0)))
				return
			}
			require.NotNil(t, approved.AccessGrantedUntil)
			assert.True(t, approved.AccessGrantedUntil.Equal(*tt.want))
		})
	}

	t.Run("negative days", func(t *testing.T) {
		r, approver := pendingDataRequest(t, DurationTemporary)
		_, err := r.Approve(approver, -1, now, policy)
		assert.True(t, stderrors.Is(err, errors.ErrValidation))
	})
}

func TestDataRequestDeny(t *testing.T) {
	r, approver := pendingDataRequest(t, DurationTemporary)
	now := time.Now()

	_, err := r.Deny(StaffActor(types.NewID(), r.RequestingClinicID), "no", now)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))

	denied, err := r.Deny(approver, "insufficient justification", now)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)
	assert.Equal(t, "insufficient justification", denied.Notes)
	assert.Nil(t, denied.AccessGrantedUntil)
	require.NotNil(t, denied.ApprovalDate)
	assert.False(t, denied.IsAccessValid(now))

	_, err = denied.Approve(approver, 0, now, policy)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyResolved))
}

// Lazy expiry: validity flips on the clock alone; Expire is bookkeeping.
func TestLazyExpiry(t *testing.T) {
	r, approver := pendingDataRequest(t, DurationOneTime)
	now := mustTime(t, "2024-06-01T00:00:00Z")

	approved, err := r.Approve(approver, 0, now, policy)
	require.NoError(t, err)

	later := now.Add(25 * time.Hour)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.False(t, approved.IsAccessValid(later))

	_, err = approved.Expire(now)
	assert.True(t, stderrors.Is(err, errors.ErrValidation))

	expired, err := approved.Expire(later)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	assert.False(t, expired.IsAccessValid(now))
}

func TestEmergencyAccessRequest(t *testing.T) {
	home := acceptingClinic(t, "Home")
	responder := types.NewID()
	p := patientAt(t, &home)

	r, ok := EmergencyAccessRequest(p, responder, "alert-7", "fall on stairs", time.Now())
	require.True(t, ok)
	assert.Equal(t, home.ID, r.ParentClinicID)
	assert.Equal(t, responder, r.RequestingClinicID)
	assert.Equal(t, DurationTemporary, r.AccessDuration)
	assert.Equal(t, OriginEmergency, r.Origin)
	assert.Equal(t, "EMERGENCY RESPONSE: fall on stairs. Critical medical data access required for emergency care.", r.Reason)
	assert.Equal(t, "Auto-generated during emergency response. Alert ID: alert-7", r.Notes)
	assert.Len(t, r.DataTypes, 7)

	_, ok = EmergencyAccessRequest(p, home.ID, "alert-8", "", time.Now())
	assert.False(t, ok)

	_, ok = EmergencyAccessRequest(patientAt(t, nil), responder, "alert-9", "", time.Now())
	assert.False(t, ok)
}

func TestDayBounds(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// 20:00 UTC is already the next day in Kolkata (+05:30).
	ts := mustTime(t, "2024-03-10T20:00:00Z")

	start, end := DayBounds(ts, time.UTC)
	assert.True(t, start.Equal(mustTime(t, "2024-03-10T00:00:00Z")))
	assert.True(t, end.Equal(mustTime(t, "2024-03-11T00:00:00Z")))

	start, _ = DayBounds(ts, kolkata)
	assert.True(t, start.Equal(mustTime(t, "2024-03-10T18:30:00Z")))
}

func ptr(t time.Time) *time.Time { return &t }

func TestCanView(t *testing.T) {
	a := acceptingClinic(t, "Clinic A")
	b := acceptingClinic(t, "Clinic B")
	p := patientAt(t, &a)
	tr, err := NewTransferRequest(p, b, "", PatientActor(p.UserID, p.ID), time.Now())
	require.NoError(t, err)

	assert.True(t, tr.CanView(StaffActor(types.NewID(), a.ID)))
	assert.True(t, tr.CanView(StaffActor(types.NewID(), b.ID)))
	assert.True(t, tr.CanView(PatientActor(p.UserID, p.ID)))
	assert.False(t, tr.CanView(StaffActor(types.NewID(), types.NewID())))

	assert.True(t, p.CanView(StaffActor(types.NewID(), a.ID)))
	assert.False(t, p.CanView(StaffActor(types.NewID(), b.ID)))
	assert.True(t, p.CanView(AdminActor(types.NewID())))
}
