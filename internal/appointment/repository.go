package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// WithinBookingTx runs fn in one serializable unit. Serialization
	// failures retry fn from the start, so fn must not have side effects
	// outside tx.
	WithinBookingTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Version-conditioned writes. Zero matched rows means ErrConflictingUpdate.
	UpdateStatus(ctx context.Context, ch StatusChange) (*Appointment, error)
	UpdateDetails(ctx context.Context, ch DetailsChange) (*Appointment, error)
}

// BookingTx is the view of the store available inside WithinBookingTx.
type BookingTx interface {
	// VerifyReferences returns ErrClinicNotFound, ErrDoctorNotFound,
	// ErrRoomNotFound or ErrPatientNotFound for the first missing or
	// inactive reference.
	VerifyReferences(ctx context.Context, c Candidate) error

	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// FindOverlapping returns blocking appointments sharing the window's
	// doctor or room, ordered by start time. excludeID may be uuid.Nil.
	FindOverlapping(ctx context.Context, w BookingWindow, excludeID uuid.UUID) ([]Appointment, error)

	Insert(ctx context.Context, c Candidate, actor string, at time.Time) (*Appointment, error)
	UpdateSchedule(ctx context.Context, ch ScheduleChange) (*Appointment, error)
	AppendEvent(ctx context.Context, ev EventLog) error
}

// ScheduleChange moves a locked appointment to a new window.
type ScheduleChange struct {
	ID          uuid.UUID
	FromVersion int
	Window      BookingWindow
	Status      Status
	Actor       string
	At          time.Time
}
