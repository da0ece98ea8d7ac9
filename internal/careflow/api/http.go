package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/safar-saathi/careflow/internal/careflow/domain"
	"github.com/safar-saathi/careflow/internal/careflow/service"
	"github.com/safar-saathi/careflow/internal/shared/auth"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// Handler provides HTTP handlers for the transfer, consultation and data
// request workflows
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new workflow handler
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the workflow routes; mount under /api/v1
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.ListTransfers)
		r.Post("/", h.SubmitTransfer)
		r.Get("/{id}", h.GetTransfer)
		r.Post("/{id}/approve", h.ApproveTransfer)
		r.Post("/{id}/reject", h.RejectTransfer)
	})

	r.Route("/consultations", func(r chi.Router) {
		r.Get("/", h.ListConsultations)
		r.Post("/", h.RequestConsultation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetConsultation)
			r.Get("/access", h.ConsultationAccess)
			r.Post("/approve", h.ApproveConsultation)
			r.Post("/start", h.StartConsultation)
			r.Post("/complete", h.CompleteConsultation)
			r.Post("/cancel", h.CancelConsultation)
		})
	})

	r.Route("/data-requests", func(r chi.Router) {
		r.Get("/", h.ListRequests)
		r.Post("/", h.CreateRequest)
		r.Post("/expire", h.ExpireGrants)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequest)
			r.Get("/access", h.RequestAccess)
			r.Post("/approve", h.ApproveRequest)
			r.Post("/deny", h.DenyRequest)
		})
	})

	r.Post("/emergency/responses", h.RespondToEmergency)

	r.Route("/patients", func(r chi.Router) {
		r.Post("/", h.RegisterPatient)
		r.Get("/{id}", h.GetPatient)
		r.Put("/{id}/clinic", h.AssignClinic)
	})

	r.Route("/clinics", func(r chi.Router) {
		r.Get("/", h.ListClinics)
		r.Post("/", h.RegisterClinic)
		r.Get("/{id}", h.GetClinic)
	})

	return r
}

// --- Request types ---

type CreateDataRequestRequest struct {
	RequestingClinicID types.ID              `json:"requesting_clinic_id"`
	PatientID          types.ID              `json:"patient_id"`
	ParentClinicID     types.ID              `json:"parent_clinic_id"`
	Reason             string                `json:"request_reason"`
	DataTypes          []string              `json:"requested_data_types"`
	AccessDuration     domain.AccessDuration `json:"access_duration"`
	Notes              string                `json:"notes"`
}

type ApproveDataRequestRequest struct {
	AccessDurationDays int `json:"access_duration_days"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type AssignClinicRequest struct {
	ClinicID types.ID `json:"clinic_id"`
}

// --- Transfers ---

func (h *Handler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req service.SubmitTransferInput
	if !decode(w, r, &req) {
		return
	}

	t, err := h.svc.SubmitTransfer(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	q := query{r: r}
	filter := domain.TransferFilter{
		PatientID: q.id("patient_id"),
		ClinicID:  q.id("clinic_id"),
		Status:    q.status(),
		Limit:     q.int("limit"),
		Offset:    q.int("offset"),
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	items, total, err := h.svc.ListTransfers(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, items, total)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.GetTransfer(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.ApproveTransfer(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.RejectTransfer(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Consultations ---

func (h *Handler) RequestConsultation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req service.RequestConsultationInput
	if !decode(w, r, &req) {
		return
	}

	c, err := h.svc.RequestConsultation(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListConsultations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	q := query{r: r}
	filter := domain.ConsultationFilter{
		PatientID: q.id("patient_id"),
		ClinicID:  q.id("clinic_id"),
		Status:    q.status(),
		Limit:     q.int("limit"),
		Offset:    q.int("offset"),
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	items, total, err := h.svc.ListConsultations(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, items, total)
}

func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetConsultation(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ConsultationAccess(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	active, err := h.svc.HasActiveAccess(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

func (h *Handler) ApproveConsultation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	result, err := h.svc.ApproveConsultation(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) StartConsultation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.StartConsultation(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CompleteConsultation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.CompleteConsultation(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CancelConsultation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	c, err := h.svc.CancelConsultation(r.Context(), actor, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Data requests ---

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req CreateDataRequestRequest
	if !decode(w, r, &req) {
		return
	}

	created, err := h.svc.CreateRequest(r.Context(), actor, domain.DataRequestDraft{
		RequestingClinicID: req.RequestingClinicID,
		PatientID:          req.PatientID,
		ParentClinicID:     req.ParentClinicID,
		Reason:             req.Reason,
		DataTypes:          req.DataTypes,
		AccessDuration:     req.AccessDuration,
		Notes:              req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	q := query{r: r}
	filter := domain.DataRequestFilter{
		PatientID:          q.id("patient_id"),
		ClinicID:           q.id("clinic_id"),
		RequestingClinicID: q.id("requesting_clinic_id"),
		ParentClinicID:     q.id("parent_clinic_id"),
		Status:             q.status(),
		Limit:              q.int("limit"),
		Offset:             q.int("offset"),
	}
	if o := r.URL.Query().Get("origin"); o != "" {
		origin := domain.RequestOrigin(o)
		filter.Origin = &origin
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	items, total, err := h.svc.ListRequests(r.Context(), actor, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, items, total)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.GetRequest(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	valid, err := h.svc.IsAccessValid(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "valid": valid})
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req ApproveDataRequestRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	approved, err := h.svc.ApproveRequest(r.Context(), actor, id, req.AccessDurationDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approved)
}

func (h *Handler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	denied, err := h.svc.DenyRequest(r.Context(), actor, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, denied)
}

func (h *Handler) ExpireGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	q := query{r: r}
	limit := q.int("limit")
	if q.err != nil {
		writeError(w, q.err)
		return
	}
	n, err := h.svc.ExpireGrants(r.Context(), actor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}

func (h *Handler) RespondToEmergency(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req service.EmergencyInput
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.RespondToEmergency(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// --- Directory ---

func (h *Handler) RegisterClinic(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req service.RegisterClinicInput
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.RegisterClinic(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListClinics(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorOf(w, r); !ok {
		return
	}
	q := query{r: r}
	filter := domain.ClinicFilter{
		OnlyAccepting: r.URL.Query().Get("accepting") == "true",
		Limit:         q.int("limit"),
		Offset:        q.int("offset"),
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}
	clinics, err := h.svc.ListClinics(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, clinics, len(clinics))
}

func (h *Handler) GetClinic(w http.ResponseWriter, r *http.Request) {
	_, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetClinic(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var req service.RegisterPatientInput
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.RegisterPatient(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPatient(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AssignClinic(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req AssignClinicRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.AssignClinic(r.Context(), actor, id, req.ClinicID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

// ActorFromUser maps an authenticated user onto the workflow actor
func ActorFromUser(user *auth.User) (domain.Actor, error) {
	if user == nil {
		return domain.Actor{}, errors.Unauthorized("authentication required")
	}
	switch user.UserType {
	case auth.UserTypePatient:
		return domain.PatientActor(user.ID, user.PatientID), nil
	case auth.UserTypeClinic:
		return domain.StaffActor(user.ID, user.ClinicID), nil
	case auth.UserTypeAdmin:
		return domain.AdminActor(user.ID), nil
	case auth.UserTypeSystem:
		return domain.SystemActor(), nil
	}
	return domain.Actor{}, errors.Unauthorized("unknown user type")
}

func actorOf(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, err := ActorFromUser(auth.GetUser(r.Context()))
	if err != nil {
		writeError(w, err)
		return domain.Actor{}, false
	}
	return actor, true
}

func actorAndID(w http.ResponseWriter, r *http.Request) (domain.Actor, types.ID, bool) {
	actor, ok := actorOf(w, r)
	if !ok {
		return domain.Actor{}, "", false
	}
	id, err := types.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid ID"))
		return domain.Actor{}, "", false
	}
	return actor, id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, bodyError(err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body, including a chunked one
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, bodyError(err))
	return false
}

func bodyError(err error) error {
	if errors.Is(err, types.ErrInvalidID) {
		return errors.Validation("invalid ID in request body", map[string]string{"error": err.Error()})
	}
	return errors.BadRequest("invalid request body")
}

// query collects the first parse error across several parameters
type query struct {
	r   *http.Request
	err error
}

func (q *query) id(name string) *types.ID {
	raw := q.r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	id, err := types.ParseID(raw)
	if err != nil {
		if q.err == nil {
			q.err = errors.BadRequest("invalid " + name)
		}
		return nil
	}
	return &id
}

func (q *query) int(name string) int {
	raw := q.r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if q.err == nil {
			q.err = errors.BadRequest("invalid " + name)
		}
		return 0
	}
	return n
}

func (q *query) status() *domain.Status {
	s := q.r.URL.Query().Get("status")
	if s == "" {
		return nil
	}
	status := domain.Status(s)
	return &status
}

func writeList[T any](w http.ResponseWriter, items []T, total int) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"total": total,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorBody is the error response shape
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Time    time.Time         `json:"timestamp"`
}

func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: "INTERNAL_ERROR", Message: "internal server error", Time: time.Now().UTC()}

	var appErr *errors.AppError
	if errors.As(err, &appErr) && !errors.Is(err, errors.ErrPersistence) {
		body.Code = appErr.Code
		body.Message = appErr.Message
		body.Details = appErr.Details
	} else if appErr != nil {
		body.Code = appErr.Code
	}

	writeJSON(w, errors.HTTPStatus(err), body)
}
