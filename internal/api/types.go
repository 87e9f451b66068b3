package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/mosabry99/ClinicWave/internal/appointment"
)

type CreateAppointmentRequest struct {
	ClinicID  string    `json:"clinic_id"`
	DoctorID  string    `json:"doctor_id"`
	RoomID    *string   `json:"room_id,omitempty"`
	PatientID string    `json:"patient_id"`
	Type      string    `json:"type"`
	Reason    *string   `json:"reason,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type RescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	DoctorID  *string   `json:"doctor_id,omitempty"`
	RoomID    *string   `json:"room_id,omitempty"`
	ClearRoom bool      `json:"clear_room,omitempty"`
}

type UpdateDetailsRequest struct {
	Version *int    `json:"version"`
	Type    *string `json:"type,omitempty"`
	Reason  *string `json:"reason,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

type TransitionRequest struct {
	Status  string `json:"status"`
	Version *int   `json:"version,omitempty"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	ClinicID  uuid.UUID  `json:"clinic_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	RoomID    *uuid.UUID `json:"room_id,omitempty"`
	PatientID uuid.UUID  `json:"patient_id"`
	Type      string     `json:"type"`
	Reason    *string    `json:"reason,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    string     `json:"status"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedBy string     `json:"created_by"`
	UpdatedBy string     `json:"updated_by"`

	AllowedTransitions []string `json:"allowed_transitions"`
}

func toResponse(a *appointment.Appointment) AppointmentResponse {
	allowed := a.Status.AllowedTransitions()
	next := make([]string, 0, len(allowed))
	for _, s := range allowed {
		next = append(next, string(s))
	}
	return AppointmentResponse{
		ID:                 a.ID,
		ClinicID:           a.ClinicID,
		DoctorID:           a.DoctorID,
		RoomID:             a.RoomID,
		PatientID:          a.PatientID,
		Type:               string(a.Type),
		Reason:             a.Reason,
		Notes:              a.Notes,
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		Status:             string(a.Status),
		Version:            a.Version,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
		CreatedBy:          a.CreatedBy,
		UpdatedBy:          a.UpdatedBy,
		AllowedTransitions: next,
	}
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type ErrorResponse struct {
	Error          string      `json:"error"`
	Details        string      `json:"details,omitempty"`
	Field          string      `json:"field,omitempty"`
	ConflictingIDs []uuid.UUID `json:"conflicting_ids,omitempty"`
	From           string      `json:"from,omitempty"`
	To             string      `json:"to,omitempty"`
}
