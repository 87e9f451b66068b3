package appointment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppointmentPayload is the wire shape of an appointment in outbox events
// and realtime messages.
type AppointmentPayload struct {
	ID        uuid.UUID  `json:"id"`
	ClinicID  uuid.UUID  `json:"clinic_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	RoomID    *uuid.UUID `json:"room_id,omitempty"`
	PatientID uuid.UUID  `json:"patient_id"`
	Type      Type       `json:"type"`
	Reason    *string    `json:"reason,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    Status     `json:"status"`
	Version   int        `json:"version"`
	UpdatedBy string     `json:"updated_by"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func payloadOf(a *Appointment) AppointmentPayload {
	return AppointmentPayload{
		ID:        a.ID,
		ClinicID:  a.ClinicID,
		DoctorID:  a.DoctorID,
		RoomID:    a.RoomID,
		PatientID: a.PatientID,
		Type:      a.Type,
		Reason:    a.Reason,
		Notes:     a.Notes,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Status:    a.Status,
		Version:   a.Version,
		UpdatedBy: a.UpdatedBy,
		UpdatedAt: a.UpdatedAt,
	}
}

type PlacementPayload struct {
	DoctorID  uuid.UUID  `json:"doctor_id"`
	RoomID    *uuid.UUID `json:"room_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    Status     `json:"status"`
}

type RescheduledPayload struct {
	Appointment AppointmentPayload `json:"appointment"`
	Previous    PlacementPayload   `json:"previous"`
	Actor       string             `json:"actor"`
}

type StatusChangedPayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	OldStatus     Status    `json:"old_status"`
	NewStatus     Status    `json:"new_status"`
	Actor         string    `json:"actor"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int       `json:"version"`
}

type DetailsUpdatedPayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Type          Type      `json:"type"`
	Reason        *string   `json:"reason,omitempty"`
	Notes         *string   `json:"notes,omitempty"`
	Actor         string    `json:"actor"`
	Version       int       `json:"version"`
}

func newEventLog(eventType string, appointmentID, clinicID uuid.UUID, at time.Time, payload any) (EventLog, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventLog{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return EventLog{
		ID:            uuid.New(),
		EventType:     eventType,
		AppointmentID: appointmentID,
		ClinicID:      clinicID,
		Payload:       data,
		CreatedAt:     at,
	}, nil
}
