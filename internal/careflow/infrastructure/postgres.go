package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/metrics"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// querier is what both the pool and a transaction offer
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements domain.Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// WithinTx runs fn in a read-committed transaction. Row locks taken through
// the Tx are held until commit.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("tx", time.Since(start)) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Persistence(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err, "failed to commit transaction")
	}
	return nil
}

// translate maps driver errors onto the workflow's error kinds
func translate(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return errors.DuplicateRequest("conflicting in-flight request", map[string]string{"constraint": pgErr.ConstraintName})
		case invalidTextRepresentation:
			return errors.Validation("malformed value", map[string]string{"error": pgErr.Message})
		}
	}
	return errors.Persistence(err, message)
}

func notFound(err error, resource string, id types.ID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound(resource, id.String())
	}
	return translate(err, "failed to load "+resource)
}

// --- Reads outside a transaction ---

func (r *PostgresRepository) FindClinic(ctx context.Context, id types.ID) (domain.Clinic, error) {
	return getClinic(ctx, r.pool, id)
}

func (r *PostgresRepository) FindPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	return getPatient(ctx, r.pool, id, "")
}

func (r *PostgresRepository) FindTransfer(ctx context.Context, id types.ID) (domain.TransferRequest, error) {
	return getTransfer(ctx, r.pool, id, "")
}

func (r *PostgresRepository) FindConsultation(ctx context.Context, id types.ID) (domain.ExternalConsultation, error) {
	return getConsultation(ctx, r.pool, id, "")
}

func (r *PostgresRepository) FindDataRequest(ctx context.Context, id types.ID) (domain.MedicalDataRequest, error) {
	return getDataRequest(ctx, r.pool, id, "")
}

// ListClinics lists clinics ordered by name
func (r *PostgresRepository) ListClinics(ctx context.Context, filter domain.ClinicFilter) ([]domain.Clinic, error) {
	cond := ""
	if filter.OnlyAccepting {
		cond = "WHERE is_approved AND is_active"
	}
	query := fmt.Sprintf(`SELECT %s FROM clinics %s ORDER BY name LIMIT $1 OFFSET $2`, clinicColumns, cond)

	rows, err := r.pool.Query(ctx, query, domain.PageLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, translate(err, "failed to list clinics")
	}
	defer rows.Close()

	var clinics []domain.Clinic
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, translate(err, "failed to scan clinic")
		}
		clinics = append(clinics, c)
	}
	return clinics, translateRows(rows)
}

// ListTransfers lists transfers newest first
func (r *PostgresRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRequest, int, error) {
	var w where
	if filter.PatientID != nil {
		w.add("patient_id = $%d", *filter.PatientID)
	}
	if filter.ClinicID != nil {
		w.add("(from_clinic_id = $%[1]d OR to_clinic_id = $%[1]d)", *filter.ClinicID)
	}
	if filter.Status != nil {
		w.add("status = $%d", *filter.Status)
	}

	total, err := r.count(ctx, "transfer_requests", w)
	if err != nil {
		return nil, 0, err
	}

	query := w.page("SELECT "+transferColumns+" FROM transfer_requests", "request_time DESC", filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, translate(err, "failed to list transfers")
	}
	defer rows.Close()

	var out []domain.TransferRequest
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, translate(err, "failed to scan transfer")
		}
		out = append(out, t)
	}
	return out, total, translateRows(rows)
}

// ListConsultations lists consultations newest first
func (r *PostgresRepository) ListConsultations(ctx context.Context, filter domain.ConsultationFilter) ([]domain.ExternalConsultation, int, error) {
	var w where
	if filter.PatientID != nil {
		w.add("patient_id = $%d", *filter.PatientID)
	}
	if filter.ClinicID != nil {
		w.add("(requesting_clinic_id = $%[1]d OR parent_clinic_id = $%[1]d)", *filter.ClinicID)
	}
	if filter.Status != nil {
		w.add("status = $%d", *filter.Status)
	}

	total, err := r.count(ctx, "external_consultations", w)
	if err != nil {
		return nil, 0, err
	}

	query := w.page("SELECT "+consultationColumns+" FROM external_consultations", "created_at DESC", filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, translate(err, "failed to list consultations")
	}
	defer rows.Close()

	var out []domain.ExternalConsultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, 0, translate(err, "failed to scan consultation")
		}
		out = append(out, c)
	}
	return out, total, translateRows(rows)
}

// ListDataRequests lists data requests newest first
func (r *PostgresRepository) ListDataRequests(ctx context.Context, filter domain.DataRequestFilter) ([]domain.MedicalDataRequest, int, error) {
	var w where
	if filter.PatientID != nil {
		w.add("patient_id = $%d", *filter.PatientID)
	}
	if filter.ClinicID != nil {
		w.add("(requesting_clinic_id = $%[1]d OR parent_clinic_id = $%[1]d)", *filter.ClinicID)
	}
	if filter.RequestingClinicID != nil {
		w.add("requesting_clinic_id = $%d", *filter.RequestingClinicID)
	}
	if filter.ParentClinicID != nil {
		w.add("parent_clinic_id = $%d", *filter.ParentClinicID)
	}
	if filter.Status != nil {
		w.add("status = $%d", *filter.Status)
	}
	if filter.Origin != nil {
		w.add("origin = $%d", *filter.Origin)
	}

	total, err := r.count(ctx, "medical_data_requests", w)
	if err != nil {
		return nil, 0, err
	}

	query := w.page("SELECT "+dataRequestColumns+" FROM medical_data_requests", "created_at DESC", filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, translate(err, "failed to list data requests")
	}
	defer rows.Close()

	var out []domain.MedicalDataRequest
	for rows.Next() {
		d, err := scanDataRequest(rows)
		if err != nil {
			return nil, 0, translate(err, "failed to scan data request")
		}
		out = append(out, d)
	}
	return out, total, translateRows(rows)
}

func (r *PostgresRepository) count(ctx context.Context, table string, w where) (int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+" "+w.clause(), w.args...).Scan(&total); err != nil {
		return 0, translate(err, "failed to count "+table)
	}
	return total, nil
}

func translateRows(rows pgx.Rows) error {
	if err := rows.Err(); err != nil {
		return translate(err, "failed to read rows")
	}
	return nil
}

// where accumulates numbered conditions
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

// page appends ordering and pagination; it extends w.args for the caller
func (w *where) page(selectFrom, orderBy string, limit, offset int) string {
	w.args = append(w.args, domain.PageLimit(limit), offset)
	return fmt.Sprintf("%s %s ORDER BY %s LIMIT $%d OFFSET $%d", selectFrom, w.clause(), orderBy, len(w.args)-1, len(w.args))
}

// --- Transaction ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetClinic(ctx context.Context, id types.ID) (domain.Clinic, error) {
	return getClinic(ctx, t.q, id)
}

func (t *pgTx) GetPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	return getPatient(ctx, t.q, id, "")
}

func (t *pgTx) LockPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	return getPatient(ctx, t.q, id, "FOR UPDATE")
}

func (t *pgTx) LockTransfer(ctx context.Context, id types.ID) (domain.TransferRequest, error) {
	return getTransfer(ctx, t.q, id, "FOR UPDATE")
}

func (t *pgTx) LockConsultation(ctx context.Context, id types.ID) (domain.ExternalConsultation, error) {
	return getConsultation(ctx, t.q, id, "FOR UPDATE")
}

func (t *pgTx) LockDataRequest(ctx context.Context, id types.ID) (domain.MedicalDataRequest, error) {
	return getDataRequest(ctx, t.q, id, "FOR UPDATE")
}

// LockKey takes a transaction-scoped advisory lock on the key's hash
func (t *pgTx) LockKey(ctx context.Context, key string) error {
	if _, err := t.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return translate(err, "failed to acquire advisory lock")
	}
	return nil
}

func (t *pgTx) CreateClinic(ctx context.Context, c domain.Clinic) error {
	lat, lng := splitCoordinates(c.Coordinates)
	_, err := t.q.Exec(ctx, `
		INSERT INTO clinics (id, name, location, latitude, longitude, is_approved, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.Location, lat, lng, c.Approved, c.Active, c.CreatedAt,
	)
	return translate(err, "failed to save clinic")
}

func (t *pgTx) CreatePatient(ctx context.Context, p domain.Patient) error {
	lat, lng := splitCoordinates(p.Coordinates)
	_, err := t.q.Exec(ctx, `
		INSERT INTO patients (id, user_id, name, current_clinic_id, latitude, longitude, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.Name, p.CurrentClinicID, lat, lng, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	return translate(err, "failed to save patient")
}

func (t *pgTx) UpdatePatient(ctx context.Context, p domain.Patient) error {
	lat, lng := splitCoordinates(p.Coordinates)
	tag, err := t.q.Exec(ctx, `
		UPDATE patients
		SET current_clinic_id = $2, latitude = $3, longitude = $4, is_active = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.CurrentClinicID, lat, lng, p.Active, p.UpdatedAt,
	)
	if err != nil {
		return translate(err, "failed to update patient")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("patient", p.ID.String())
	}
	return nil
}

func (t *pgTx) CreateTransfer(ctx context.Context, tr domain.TransferRequest) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO transfer_requests (
			id, patient_id, from_clinic_id, to_clinic_id, reason, status,
			requested_by, resolved_by, request_time, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.PatientID, tr.FromClinicID, tr.ToClinicID, tr.Reason, tr.Status,
		tr.RequestedBy, tr.ResolvedBy, tr.RequestTime, tr.ResolvedAt,
	)
	return translate(err, "failed to save transfer")
}

// UpdateTransfer writes the resolution only if the stored status is still expected
func (t *pgTx) UpdateTransfer(ctx context.Context, tr domain.TransferRequest, expected domain.Status) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE transfer_requests
		SET status = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND status = $2`,
		tr.ID, expected, tr.Status, tr.ResolvedBy, tr.ResolvedAt,
	)
	if err != nil {
		return translate(err, "failed to update transfer")
	}
	if tag.RowsAffected() == 0 {
		return errors.AlreadyResolved("transfer", tr.ID.String(), string(expected))
	}
	return nil
}

func (t *pgTx) HasActiveTransfer(ctx context.Context, patientID, toClinicID types.ID) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transfer_requests
			WHERE patient_id = $1 AND to_clinic_id = $2 AND status IN ('pending', 'approved')
		)`, patientID, toClinicID,
	).Scan(&exists)
	if err != nil {
		return false, translate(err, "failed to check active transfers")
	}
	return exists, nil
}

func (t *pgTx) CreateConsultation(ctx context.Context, c domain.ExternalConsultation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO external_consultations (
			id, patient_id, requesting_clinic_id, parent_clinic_id,
			consultation_type, consultation_date, reason, stay_type, current_location,
			status, medical_data_access_granted, access_expiry, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.PatientID, c.RequestingClinicID, c.ParentClinicID,
		c.Type, c.ConsultationDate, c.Reason, c.StayType, c.CurrentLocation,
		c.Status, c.MedicalDataAccessGranted, c.AccessExpiry, c.Notes, c.CreatedAt, c.UpdatedAt,
	)
	return translate(err, "failed to save consultation")
}

func (t *pgTx) UpdateConsultation(ctx context.Context, c domain.ExternalConsultation, expected domain.Status) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE external_consultations
		SET status = $3, medical_data_access_granted = $4, access_expiry = $5, notes = $6, updated_at = $7
		WHERE id = $1 AND status = $2`,
		c.ID, expected, c.Status, c.MedicalDataAccessGranted, c.AccessExpiry, c.Notes, c.UpdatedAt,
	)
	if err != nil {
		return translate(err, "failed to update consultation")
	}
	if tag.RowsAffected() == 0 {
		return errors.AlreadyResolved("consultation", c.ID.String(), string(expected))
	}
	return nil
}

func (t *pgTx) CreateDataRequest(ctx context.Context, d domain.MedicalDataRequest) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO medical_data_requests (
			id, requesting_clinic_id, patient_id, parent_clinic_id, request_reason,
			requested_data_types, access_duration, status, origin, source_id,
			approved_by, approval_date, access_granted_until, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.RequestingClinicID, d.PatientID, d.ParentClinicID, d.Reason,
		d.DataTypes, d.AccessDuration, d.Status, d.Origin, d.SourceID,
		d.ApprovedBy, d.ApprovalDate, d.AccessGrantedUntil, d.Notes, d.CreatedAt,
	)
	return translate(err, "failed to save data request")
}

func (t *pgTx) UpdateDataRequest(ctx context.Context, d domain.MedicalDataRequest, expected domain.Status) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE medical_data_requests
		SET status = $3, approved_by = $4, approval_date = $5, access_granted_until = $6, notes = $7
		WHERE id = $1 AND status = $2`,
		d.ID, expected, d.Status, d.ApprovedBy, d.ApprovalDate, d.AccessGrantedUntil, d.Notes,
	)
	if err != nil {
		return translate(err, "failed to update data request")
	}
	if tag.RowsAffected() == 0 {
		return errors.AlreadyResolved("data_request", d.ID.String(), string(expected))
	}
	return nil
}

func (t *pgTx) FindActiveRequest(ctx context.Context, requesting, patient, parent types.ID, from, to time.Time) (*domain.MedicalDataRequest, error) {
	row := t.q.QueryRow(ctx, `SELECT `+dataRequestColumns+` FROM medical_data_requests
		WHERE requesting_clinic_id = $1 AND patient_id = $2 AND parent_clinic_id = $3
		  AND status IN ('pending', 'approved')
		  AND created_at >= $4 AND created_at < $5
		ORDER BY created_at
		LIMIT 1`, requesting, patient, parent, from, to)

	d, err := scanDataRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "failed to look up active data request")
	}
	return &d, nil
}

// LockLapsedGrants skips rows another sweep already holds
func (t *pgTx) LockLapsedGrants(ctx context.Context, now time.Time, limit int) ([]domain.MedicalDataRequest, error) {
	rows, err := t.q.Query(ctx, `SELECT `+dataRequestColumns+` FROM medical_data_requests
		WHERE status = 'approved' AND access_granted_until IS NOT NULL AND access_granted_until <= $1
		ORDER BY access_granted_until
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, translate(err, "failed to select lapsed grants")
	}
	defer rows.Close()

	var out []domain.MedicalDataRequest
	for rows.Next() {
		d, err := scanDataRequest(rows)
		if err != nil {
			return nil, translate(err, "failed to scan data request")
		}
		out = append(out, d)
	}
	return out, translateRows(rows)
}

// --- Row mapping ---

const (
	clinicColumns = `id, name, location, latitude, longitude, is_approved, is_active, created_at`

	patientColumns = `id, user_id, name, current_clinic_id, latitude, longitude, is_active, created_at, updated_at`

	transferColumns = `id, patient_id, from_clinic_id, to_clinic_id, reason, status,
		requested_by, resolved_by, request_time, resolved_at`

	consultationColumns = `id, patient_id, requesting_clinic_id, parent_clinic_id,
		consultation_type, consultation_date, reason, stay_type, current_location,
		status, medical_data_access_granted, access_expiry, notes, created_at, updated_at`

	dataRequestColumns = `id, requesting_clinic_id, patient_id, parent_clinic_id, request_reason,
		requested_data_types, access_duration, status, origin, source_id,
		approved_by, approval_date, access_granted_until, notes, created_at`
)

func getClinic(ctx context.Context, q querier, id types.ID) (domain.Clinic, error) {
	c, err := scanClinic(q.QueryRow(ctx, "SELECT "+clinicColumns+" FROM clinics WHERE id = $1", id))
	if err != nil {
		return domain.Clinic{}, notFound(err, "clinic", id)
	}
	return c, nil
}

func getPatient(ctx context.Context, q querier, id types.ID, lock string) (domain.Patient, error) {
	p, err := scanPatient(q.QueryRow(ctx, "SELECT "+patientColumns+" FROM patients WHERE id = $1 "+lock, id))
	if err != nil {
		return domain.Patient{}, notFound(err, "patient", id)
	}
	return p, nil
}

func getTransfer(ctx context.Context, q querier, id types.ID, lock string) (domain.TransferRequest, error) {
	t, err := scanTransfer(q.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfer_requests WHERE id = $1 "+lock, id))
	if err != nil {
		return domain.TransferRequest{}, notFound(err, "transfer", id)
	}
	return t, nil
}

func getConsultation(ctx context.Context, q querier, id types.ID, lock string) (domain.ExternalConsultation, error) {
	c, err := scanConsultation(q.QueryRow(ctx, "SELECT "+consultationColumns+" FROM external_consultations WHERE id = $1 "+lock, id))
	if err != nil {
		return domain.ExternalConsultation{}, notFound(err, "consultation", id)
	}
	return c, nil
}

func getDataRequest(ctx context.Context, q querier, id types.ID, lock string) (domain.MedicalDataRequest, error) {
	d, err := scanDataRequest(q.QueryRow(ctx, "SELECT "+dataRequestColumns+" FROM medical_data_requests WHERE id = $1 "+lock, id))
	if err != nil {
		return domain.MedicalDataRequest{}, notFound(err, "data_request", id)
	}
	return d, nil
}

func scanClinic(row pgx.Row) (domain.Clinic, error) {
	var c domain.Clinic
	var lat, lng *float64
	err := row.Scan(&c.ID, &c.Name, &c.Location, &lat, &lng, &c.Approved, &c.Active, &c.CreatedAt)
	c.Coordinates = joinCoordinates(lat, lng)
	return c, err
}

func scanPatient(row pgx.Row) (domain.Patient, error) {
	var p domain.Patient
	var lat, lng *float64
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.CurrentClinicID, &lat, &lng, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.Coordinates = joinCoordinates(lat, lng)
	return p, err
}

func scanTransfer(row pgx.Row) (domain.TransferRequest, error) {
	var t domain.TransferRequest
	err := row.Scan(
		&t.ID, &t.PatientID, &t.FromClinicID, &t.ToClinicID, &t.Reason, &t.Status,
		&t.RequestedBy, &t.ResolvedBy, &t.RequestTime, &t.ResolvedAt,
	)
	return t, err
}

func scanConsultation(row pgx.Row) (domain.ExternalConsultation, error) {
	var c domain.ExternalConsultation
	err := row.Scan(
		&c.ID, &c.PatientID, &c.RequestingClinicID, &c.ParentClinicID,
		&c.Type, &c.ConsultationDate, &c.Reason, &c.StayType, &c.CurrentLocation,
		&c.Status, &c.MedicalDataAccessGranted, &c.AccessExpiry, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func scanDataRequest(row pgx.Row) (domain.MedicalDataRequest, error) {
	var d domain.MedicalDataRequest
	err := row.Scan(
		&d.ID, &d.RequestingClinicID, &d.PatientID, &d.ParentClinicID, &d.Reason,
		&d.DataTypes, &d.AccessDuration, &d.Status, &d.Origin, &d.SourceID,
		&d.ApprovedBy, &d.ApprovalDate, &d.AccessGrantedUntil, &d.Notes, &d.CreatedAt,
	)
	return d, err
}

func splitCoordinates(c *types.Coordinates) (*float64, *float64) {
	if c == nil {
		return nil, nil
	}
	return &c.Lat, &c.Lng
}

func joinCoordinates(lat, lng *float64) *types.Coordinates {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Coordinates{Lat: *lat, Lng: *lng}
}
