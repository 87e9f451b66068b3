package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeProcedure    Type = "procedure"
	TypeCheckUp      Type = "check_up"
	TypeEmergency    Type = "emergency"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeProcedure, TypeCheckUp, TypeEmergency:
		return true
	}
	return false
}

type Clinic struct {
	ID     uuid.UUID
	Name   string
	Active bool
}

type Doctor struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Name      string
	Specialty *string
	Active    bool
}

type Room struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Name     string
	Active   bool
}

type Patient struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Name     string
	Email    *string
	Phone    *string
	Active   bool
}

type Appointment struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	RoomID    *uuid.UUID
	PatientID uuid.UUID
	Type      Type
	Reason    *string
	Notes     *string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// Window returns the booking window the appointment occupies.
func (a *Appointment) Window() BookingWindow {
	return BookingWindow{
		ClinicID: a.ClinicID,
		DoctorID: a.DoctorID,
		RoomID:   a.RoomID,
		Start:    a.StartTime,
		End:      a.EndTime,
	}
}

// Candidate is a proposed placement for a new or rescheduled appointment.
type Candidate struct {
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	RoomID    *uuid.UUID
	PatientID uuid.UUID
	Type      Type
	Reason    *string
	Notes     *string
	StartTime time.Time
	EndTime   time.Time
}

func (c Candidate) Window() BookingWindow {
	return BookingWindow{
		ClinicID: c.ClinicID,
		DoctorID: c.DoctorID,
		RoomID:   c.RoomID,
		Start:    c.StartTime,
		End:      c.EndTime,
	}
}

// sameBooking reports whether a is the booking c would create.
func (c Candidate) sameBooking(a *Appointment) bool {
	return a.ClinicID == c.ClinicID &&
		a.DoctorID == c.DoctorID &&
		sameRoom(a.RoomID, c.RoomID) &&
		a.PatientID == c.PatientID &&
		a.Type == c.Type &&
		a.StartTime.Equal(c.StartTime) &&
		a.EndTime.Equal(c.EndTime) &&
		a.Status.IsBlocking()
}

// BookingWindow is the unit of conflict comparison. It is never persisted.
type BookingWindow struct {
	ClinicID uuid.UUID
	DoctorID uuid.UUID
	RoomID   *uuid.UUID
	Start    time.Time
	End      time.Time
}

// Overlaps uses half-open intervals: [10:00,10:30) and [10:30,11:00) do not overlap.
func (w BookingWindow) Overlaps(start, end time.Time) bool {
	return w.Start.Before(end) && start.Before(w.End)
}

// ConflictsWith reports whether a blocks w: same clinic, blocking status,
// overlapping interval, and a shared doctor or a shared assigned room.
func (w BookingWindow) ConflictsWith(a *Appointment) bool {
	if a.ClinicID != w.ClinicID || !a.Status.IsBlocking() {
		return false
	}
	if !w.Overlaps(a.StartTime, a.EndTime) {
		return false
	}
	if a.DoctorID == w.DoctorID {
		return true
	}
	return w.RoomID != nil && a.RoomID != nil && *w.RoomID == *a.RoomID
}

func (w BookingWindow) same(o BookingWindow) bool {
	return w.ClinicID == o.ClinicID &&
		w.DoctorID == o.DoctorID &&
		sameRoom(w.RoomID, o.RoomID) &&
		w.Start.Equal(o.Start) &&
		w.End.Equal(o.End)
}

func sameRoom(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// RescheduleRequest carries the fields a reschedule may change. Nil doctor
// keeps the current doctor; ClearRoom drops the room assignment.
type RescheduleRequest struct {
	StartTime time.Time
	EndTime   time.Time
	DoctorID  *uuid.UUID
	RoomID    *uuid.UUID
	ClearRoom bool
}

// DetailsUpdate edits fields that never need a conflict check.
type DetailsUpdate struct {
	Version int
	Type    *Type
	Reason  *string
	Notes   *string
}

type ListFilter struct {
	ClinicID  uuid.UUID
	DoctorID  *uuid.UUID
	RoomID    *uuid.UUID
	PatientID *uuid.UUID
	Statuses  []Status
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalized returns f with the page size defaulted and capped and a
// non-negative offset. It is the page actually served.
func (f ListFilter) Normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	f.Limit = min(f.Limit, MaxListLimit)
	f.Offset = max(f.Offset, 0)
	return f
}

// Event types written to the outbox.
const (
	EventAppointmentCreated        = "appointment.created"
	EventAppointmentRescheduled    = "appointment.rescheduled"
	EventAppointmentStatusChanged  = "appointment.status_changed"
	EventAppointmentDetailsUpdated = "appointment.details_updated"
)

type EventLog struct {
	ID            uuid.UUID
	EventType     string
	AppointmentID uuid.UUID
	ClinicID      uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// StatusChange is a version-conditioned status write.
type StatusChange struct {
	ID          uuid.UUID
	From        Status
	FromVersion int
	To          Status
	Actor       string
	At          time.Time
	Event       EventLog
}

// DetailsChange is a version-conditioned write of non-scheduling fields.
type DetailsChange struct {
	ID          uuid.UUID
	FromVersion int
	Type        Type
	Reason      *string
	Notes       *string
	Actor       string
	At          time.Time
	Event       EventLog
}
