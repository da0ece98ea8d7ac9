package infrastructure

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// MemoryRepository keeps workflow state in process memory. Transactions are
// serialized by one mutex and work on a copy of the state that replaces the
// committed one only when fn succeeds.
type MemoryRepository struct {
	mu    sync.RWMutex
	state memState

	// FailNext, when set, makes the next write inside a transaction fail with
	// a persistence error. Tests use it to exercise rollback.
	FailNext func(op string) error
}

var _ domain.Repository = (*MemoryRepository)(nil)

type memState struct {
	clinics       map[types.ID]domain.Clinic
	patients      map[types.ID]domain.Patient
	transfers     map[types.ID]domain.TransferRequest
	consultations map[types.ID]domain.ExternalConsultation
	dataRequests  map[types.ID]domain.MedicalDataRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memState{
		clinics:       map[types.ID]domain.Clinic{},
		patients:      map[types.ID]domain.Patient{},
		transfers:     map[types.ID]domain.TransferRequest{},
		consultations: map[types.ID]domain.ExternalConsultation{},
		dataRequests:  map[types.ID]domain.MedicalDataRequest{},
	}}
}

func (s memState) clone() memState {
	return memState{
		clinics:       maps.Clone(s.clinics),
		patients:      maps.Clone(s.patients),
		transfers:     maps.Clone(s.transfers),
		consultations: maps.Clone(s.consultations),
		dataRequests:  maps.Clone(s.dataRequests),
	}
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Persistence(err, "transaction aborted")
	}

	tx := &memTx{state: r.state.clone(), fail: r.FailNext}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

func (r *MemoryRepository) FindClinic(ctx context.Context, id types.ID) (domain.Clinic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.state.clinics, id, "clinic")
}

func (r *MemoryRepository) FindPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.state.patients, id, "patient")
}

func (r *MemoryRepository) FindTransfer(ctx context.Context, id types.ID) (domain.TransferRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.state.transfers, id, "transfer")
}

func (r *MemoryRepository) FindConsultation(ctx context.Context, id types.ID) (domain.ExternalConsultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.state.consultations, id, "consultation")
}

func (r *MemoryRepository) FindDataRequest(ctx context.Context, id types.ID) (domain.MedicalDataRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, err := lookup(r.state.dataRequests, id, "data_request")
	d.DataTypes = slices.Clone(d.DataTypes)
	return d, err
}

func (r *MemoryRepository) ListClinics(ctx context.Context, filter domain.ClinicFilter) ([]domain.Clinic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Clinic
	for _, c := range r.state.clinics {
		if filter.OnlyAccepting && c.AcceptsPatients() != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	page, _ := paginate(out, filter.Limit, filter.Offset)
	return page, nil
}

func (r *MemoryRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRequest, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.TransferRequest
	for _, t := range r.state.transfers {
		switch {
		case filter.PatientID != nil && t.PatientID != *filter.PatientID:
			continue
		case filter.ClinicID != nil && t.ToClinicID != *filter.ClinicID && !filter.ClinicID.Matches(t.FromClinicID):
			continue
		case filter.Status != nil && t.Status != *filter.Status:
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestTime.After(out[j].RequestTime) })
	page, total := paginate(out, filter.Limit, filter.Offset)
	return page, total, nil
}

func (r *MemoryRepository) ListConsultations(ctx context.Context, filter domain.ConsultationFilter) ([]domain.ExternalConsultation, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ExternalConsultation
	for _, c := range r.state.consultations {
		switch {
		case filter.PatientID != nil && c.PatientID != *filter.PatientID:
			continue
		case filter.ClinicID != nil && c.RequestingClinicID != *filter.ClinicID && c.ParentClinicID != *filter.ClinicID:
			continue
		case filter.Status != nil && c.Status != *filter.Status:
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	page, total := paginate(out, filter.Limit, filter.Offset)
	return page, total, nil
}

func (r *MemoryRepository) ListDataRequests(ctx context.Context, filter domain.DataRequestFilter) ([]domain.MedicalDataRequest, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.MedicalDataRequest
	for _, d := range r.state.dataRequests {
		switch {
		case filter.PatientID != nil && d.PatientID != *filter.PatientID:
			continue
		case filter.ClinicID != nil && d.RequestingClinicID != *filter.ClinicID && d.ParentClinicID != *filter.ClinicID:
			continue
		case filter.RequestingClinicID != nil && d.RequestingClinicID != *filter.RequestingClinicID:
			continue
		case filter.ParentClinicID != nil && d.ParentClinicID != *filter.ParentClinicID:
			continue
		case filter.Status != nil && d.Status != *filter.Status:
			continue
		case filter.Origin != nil && d.Origin != *filter.Origin:
			continue
		}
		d.DataTypes = slices.Clone(d.DataTypes)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	page, total := paginate(out, filter.Limit, filter.Offset)
	return page, total, nil
}

func lookup[T any](m map[types.ID]T, id types.ID, resource string) (T, error) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, errors.NotFound(resource, id.String())
	}
	return v, nil
}

func paginate[T any](items []T, limit, offset int) ([]T, int) {
	total := len(items)
	start := min(max(offset, 0), total)
	end := min(start+domain.PageLimit(limit), total)
	return items[start:end], total
}

// memTx works on a private copy. Locks are implicit because the repository
// mutex is held for the whole transaction.
type memTx struct {
	state memState
	fail  func(op string) error
}

func (t *memTx) write(op string) error {
	if t.fail == nil {
		return nil
	}
	if err := t.fail(op); err != nil {
		return errors.Persistence(err, "failed to "+op)
	}
	return nil
}

func (t *memTx) GetClinic(ctx context.Context, id types.ID) (domain.Clinic, error) {
	return lookup(t.state.clinics, id, "clinic")
}

func (t *memTx) GetPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	return lookup(t.state.patients, id, "patient")
}

func (t *memTx) LockPatient(ctx context.Context, id types.ID) (domain.Patient, error) {
	return t.GetPatient(ctx, id)
}

func (t *memTx) LockTransfer(ctx context.Context, id types.ID) (domain.TransferRequest, error) {
	return lookup(t.state.transfers, id, "transfer")
}

func (t *memTx) LockConsultation(ctx context.Context, id types.ID) (domain.ExternalConsultation, error) {
	return lookup(t.state.consultations, id, "consultation")
}

func (t *memTx) LockDataRequest(ctx context.Context, id types.ID) (domain.MedicalDataRequest, error) {
	return lookup(t.state.dataRequests, id, "data_request")
}

func (t *memTx) LockKey(ctx context.Context, key string) error { return nil }

func (t *memTx) CreateClinic(ctx context.Context, c domain.Clinic) error {
	if err := t.write("save clinic"); err != nil {
		return err
	}
	t.state.clinics[c.ID] = c
	return nil
}

func (t *memTx) CreatePatient(ctx context.Context, p domain.Patient) error {
	if err := t.write("save patient"); err != nil {
		return err
	}
	if home, ok := p.HomeClinic(); ok {
		if _, exists := t.state.clinics[home]; !exists {
			return errors.Persistence(errors.ErrNotFound, "patient references unknown clinic")
		}
	}
	t.state.patients[p.ID] = p
	return nil
}

func (t *memTx) UpdatePatient(ctx context.Context, p domain.Patient) error {
	if err := t.write("update patient"); err != nil {
		return err
	}
	if _, ok := t.state.patients[p.ID]; !ok {
		return errors.NotFound("patient", p.ID.String())
	}
	t.state.patients[p.ID] = p
	return nil
}

// CreateTransfer enforces the same in-flight uniqueness as the partial index
func (t *memTx) CreateTransfer(ctx context.Context, tr domain.TransferRequest) error {
	if err := t.write("save transfer"); err != nil {
		return err
	}
	if active, _ := t.HasActiveTransfer(ctx, tr.PatientID, tr.ToClinicID); active {
		return errors.DuplicateRequest("conflicting in-flight request", map[string]string{"constraint": "uq_transfer_in_flight"})
	}
	t.state.transfers[tr.ID] = tr
	return nil
}

func (t *memTx) UpdateTransfer(ctx context.Context, tr domain.TransferRequest, expected domain.Status) error {
	if err := t.write("update transfer"); err != nil {
		return err
	}
	stored, ok := t.state.transfers[tr.ID]
	if !ok || stored.Status != expected {
		return errors.AlreadyResolved("transfer", tr.ID.String(), string(expected))
	}
	t.state.transfers[tr.ID] = tr
	return nil
}

func (t *memTx) HasActiveTransfer(ctx context.Context, patientID, toClinicID types.ID) (bool, error) {
	for _, tr := range t.state.transfers {
		if tr.PatientID == patientID && tr.ToClinicID == toClinicID && tr.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateConsultation(ctx context.Context, c domain.ExternalConsultation) error {
	if err := t.write("save consultation"); err != nil {
		return err
	}
	t.state.consultations[c.ID] = c
	return nil
}

func (t *memTx) UpdateConsultation(ctx context.Context, c domain.ExternalConsultation, expected domain.Status) error {
	if err := t.write("update consultation"); err != nil {
		return err
	}
	stored, ok := t.state.consultations[c.ID]
	if !ok || stored.Status != expected {
		return errors.AlreadyResolved("consultation", c.ID.String(), string(expected))
	}
	t.state.consultations[c.ID] = c
	return nil
}

func (t *memTx) CreateDataRequest(ctx context.Context, d domain.MedicalDataRequest) error {
	if err := t.write("save data request"); err != nil {
		return err
	}
	d.DataTypes = slices.Clone(d.DataTypes)
	t.state.dataRequests[d.ID] = d
	return nil
}

func (t *memTx) UpdateDataRequest(ctx context.Context, d domain.MedicalDataRequest, expected domain.Status) error {
	if err := t.write("update data request"); err != nil {
		return err
	}
	stored, ok := t.state.dataRequests[d.ID]
	if !ok || stored.Status != expected {
		return errors.AlreadyResolved("data_request", d.ID.String(), string(expected))
	}
	d.DataTypes = slices.Clone(d.DataTypes)
	t.state.dataRequests[d.ID] = d
	return nil
}

func (t *memTx) FindActiveRequest(ctx context.Context, requesting, patient, parent types.ID, from, to time.Time) (*domain.MedicalDataRequest, error) {
	var found *domain.MedicalDataRequest
	for _, d := range t.state.dataRequests {
		if d.RequestingClinicID != requesting || d.PatientID != patient || d.ParentClinicID != parent {
			continue
		}
		if !d.IsActive() || d.CreatedAt.Before(from) || !d.CreatedAt.Before(to) {
			continue
		}
		if found == nil || d.CreatedAt.Before(found.CreatedAt) {
			d := d
			found = &d
		}
	}
	return found, nil
}

func (t *memTx) LockLapsedGrants(ctx context.Context, now time.Time, limit int) ([]domain.MedicalDataRequest, error) {
	var out []domain.MedicalDataRequest
	for _, d := range t.state.dataRequests {
		if d.Status == domain.StatusApproved && d.AccessGrantedUntil != nil && !d.AccessGrantedUntil.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessGrantedUntil.Before(*out[j].AccessGrantedUntil) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
