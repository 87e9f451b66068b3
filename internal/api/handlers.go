package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/appointment"
)

// Scheduler is the part of appointment.Service the HTTP layer needs.
type Scheduler interface {
	ProposeAppointment(ctx context.Context, c appointment.Candidate, excludeID uuid.UUID, actor string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, req appointment.RescheduleRequest, actor string) (*appointment.Appointment, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, u appointment.DetailsUpdate, actor string) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
}

type StatusTransitioner interface {
	Transition(ctx context.Context, id uuid.UUID, target appointment.Status, actor string, expectedVersion *int) (*appointment.Appointment, error)
}

type appointmentHandlers struct {
	scheduler Scheduler
	status    StatusTransitioner
	logger    zerolog.Logger
}

func (h *appointmentHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	c := appointment.Candidate{
		Type:      appointment.Type(req.Type),
		Reason:    req.Reason,
		Notes:     req.Notes,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	var ok bool
	if c.ClinicID, ok = requireID(w, "clinic_id", req.ClinicID); !ok {
		return
	}
	if c.DoctorID, ok = requireID(w, "doctor_id", req.DoctorID); !ok {
		return
	}
	if c.PatientID, ok = requireID(w, "patient_id", req.PatientID); !ok {
		return
	}
	if c.RoomID, ok = optionalID(w, "room_id", req.RoomID); !ok {
		return
	}

	appt, err := h.scheduler.ProposeAppointment(r.Context(), c, uuid.Nil, ActorFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.scheduler.GetAppointment(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *appointmentHandlers) list(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := pathID(w, r, "clinicID")
	if !ok {
		return
	}
	f, ok := parseListFilter(w, r)
	if !ok {
		return
	}
	f.ClinicID = clinicID
	f = f.Normalized()

	appts, err := h.scheduler.ListAppointments(r.Context(), f)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := ListAppointmentsResponse{
		Appointments: make([]AppointmentResponse, 0, len(appts)),
		Limit:        f.Limit,
		Offset:       f.Offset,
	}
	for i := range appts {
		resp.Appointments = append(resp.Appointments, toResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *appointmentHandlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	rr := appointment.RescheduleRequest{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		ClearRoom: req.ClearRoom,
	}
	if rr.DoctorID, ok = optionalID(w, "doctor_id", req.DoctorID); !ok {
		return
	}
	if rr.RoomID, ok = optionalID(w, "room_id", req.RoomID); !ok {
		return
	}

	appt, err := h.scheduler.Reschedule(r.Context(), id, rr, ActorFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *appointmentHandlers) updateDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.Version == nil {
		invalidField(w, "version", "is required")
		return
	}

	u := appointment.DetailsUpdate{Version: *req.Version, Reason: req.Reason, Notes: req.Notes}
	if req.Type != nil {
		t := appointment.Type(*req.Type)
		u.Type = &t
	}

	appt, err := h.scheduler.UpdateDetails(r.Context(), id, u, ActorFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *appointmentHandlers) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	target := appointment.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	appt, err := h.status.Transition(r.Context(), id, target, ActorFromContext(r.Context()), req.Version)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func requireID(w http.ResponseWriter, field, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		invalidField(w, field, "must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalID(w http.ResponseWriter, field string, raw *string) (*uuid.UUID, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	id, ok := requireID(w, field, *raw)
	if !ok {
		return nil, false
	}
	return &id, true
}

// parseListFilter reads from, to, doctor_id, room_id, patient_id, status
// (repeatable or comma separated), limit and offset.
func parseListFilter(w http.ResponseWriter, r *http.Request) (appointment.ListFilter, bool) {
	q := r.URL.Query()
	var f appointment.ListFilter
	var ok bool

	for _, key := range []string{"doctor_id", "room_id", "patient_id"} {
		raw := q.Get(key)
		var id *uuid.UUID
		if id, ok = optionalID(w, key, &raw); !ok {
			return f, false
		}
		switch key {
		case "doctor_id":
			f.DoctorID = id
		case "room_id":
			f.RoomID = id
		case "patient_id":
			f.PatientID = id
		}
	}

	for _, key := range []string{"from", "to"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			invalidField(w, key, "must be an RFC 3339 timestamp")
			return f, false
		}
		if key == "from" {
			f.From = &ts
		} else {
			f.To = &ts
		}
	}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, appointment.Status(strings.ToUpper(s)))
			}
		}
	}

	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalidField(w, key, "must be a non-negative integer")
			return f, false
		}
		*dst = n
	}
	return f, true
}
