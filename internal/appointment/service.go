package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/metrics"
	"github.com/mosabry99/ClinicWave/internal/realtime"
	redisclient "github.com/mosabry99/ClinicWave/internal/redis"
)

var tracer = otel.Tracer("clinicwave.internal.appointment")

type options struct {
	metrics *metrics.Scheduling
	now     func() time.Time
}

type Option func(*options)

func WithMetrics(m *metrics.Scheduling) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Service is the scheduling engine. It owns conflict detection for creates
// and reschedules and hands committed changes to the synchronizer.
type Service struct {
	repo    Repository
	locker  redisclient.Locker
	sync    *Synchronizer
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Scheduling
	now     func() time.Time
}

// NewService wires the engine. locker and sync may be nil.
func NewService(repo Repository, locker redisclient.Locker, sync *Synchronizer, cfg config.Config, logger zerolog.Logger, opts ...Option) *Service {
	o := buildOptions(opts)
	return &Service{
		repo:    repo,
		locker:  locker,
		sync:    sync,
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		now:     o.now,
	}
}

type proposal struct {
	appt    *Appointment
	changed bool
	kind    string
	// prior is the doctor before a reschedule, uuid.Nil otherwise.
	prior uuid.UUID
}

// ProposeAppointment books c, or reschedules excludeID to c when excludeID is
// not uuid.Nil. The conflict check and the write commit together or not at all.
func (s *Service) ProposeAppointment(ctx context.Context, c Candidate, excludeID uuid.UUID, actor string) (*Appointment, error) {
	kind := "create"
	if excludeID != uuid.Nil {
		kind = "reschedule"
	}

	ctx, span := tracer.Start(ctx, "appointment.propose")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.kind", kind),
		attribute.String("clinic.id", c.ClinicID.String()),
		attribute.String("doctor.id", c.DoctorID.String()),
	)

	started := s.now()
	res, err := s.propose(ctx, c, excludeID, actor)
	s.metrics.ObserveProposal(kind, outcomeOf(err), s.now().Sub(started))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if res.changed {
		span.SetAttributes(attribute.String("appointment.id", res.appt.ID.String()))
		var prior []uuid.UUID
		if res.prior != uuid.Nil && res.prior != res.appt.DoctorID {
			prior = append(prior, res.prior)
		}
		s.sync.Notify(context.WithoutCancel(ctx), res.kind, res.appt, prior...)
	}
	return res.appt, nil
}

func (s *Service) propose(ctx context.Context, c Candidate, excludeID uuid.UUID, actor string) (proposal, error) {
	if err := s.validateCandidate(c, actor); err != nil {
		return proposal{}, err
	}

	var res proposal
	lockKey := "doctor:" + c.DoctorID.String()
	err := s.withBookingLock(ctx, lockKey, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Past this point the booking commits even if the caller goes away.
		commitCtx, cancel := s.persistCtx(context.WithoutCancel(ctx))
		defer cancel()

		return s.repo.WithinBookingTx(commitCtx, func(ctx context.Context, tx BookingTx) error {
			res = proposal{}
			return s.book(ctx, tx, c, excludeID, actor, &res)
		})
	})
	if err != nil {
		return proposal{}, unavailable("propose appointment", err)
	}
	return res, nil
}

func (s *Service) book(ctx context.Context, tx BookingTx, c Candidate, excludeID uuid.UUID, actor string, res *proposal) error {
	if err := tx.VerifyReferences(ctx, c); err != nil {
		return referenceError(err)
	}

	var current *Appointment
	if excludeID != uuid.Nil {
		existing, err := tx.GetForUpdate(ctx, excludeID)
		if err != nil {
			return err
		}
		switch {
		case existing.ClinicID != c.ClinicID:
			return invalid("clinic_id", "cannot change on reschedule")
		case existing.PatientID != c.PatientID:
			return invalid("patient_id", "cannot change on reschedule")
		case existing.Status.IsTerminal():
			return invalid("status", fmt.Sprintf("cannot reschedule a %s appointment", existing.Status))
		}
		if existing.Window().same(c.Window()) && existing.Status != StatusRescheduled {
			res.appt = existing
			return nil
		}
		current = existing
	}

	w := c.Window()
	overlapping, err := tx.FindOverlapping(ctx, w, excludeID)
	if err != nil {
		return fmt.Errorf("find overlapping appointments: %w", err)
	}
	var conflicts []Appointment
	for i := range overlapping {
		if w.ConflictsWith(&overlapping[i]) {
			conflicts = append(conflicts, overlapping[i])
		}
	}
	if len(conflicts) > 0 {
		if current == nil && len(conflicts) == 1 && c.sameBooking(&conflicts[0]) {
			res.appt = &conflicts[0]
			return nil
		}
		ids := make([]uuid.UUID, 0, len(conflicts))
		for _, a := range conflicts {
			ids = append(ids, a.ID)
		}
		return &SchedulingConflictError{ConflictingIDs: ids}
	}

	now := s.now().UTC()
	if current == nil {
		appt, err := tx.Insert(ctx, c, actor, now)
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		ev, err := newEventLog(EventAppointmentCreated, appt.ID, appt.ClinicID, now, payloadOf(appt))
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("append %s event: %w", ev.EventType, err)
		}
		*res = proposal{appt: appt, changed: true, kind: realtime.EventCreated}
		return nil
	}

	status := current.Status
	if status == StatusRescheduled {
		status = StatusScheduled
	}
	appt, err := tx.UpdateSchedule(ctx, ScheduleChange{
		ID:          current.ID,
		FromVersion: current.Version,
		Window:      w,
		Status:      status,
		Actor:       actor,
		At:          now,
	})
	if err != nil {
		return fmt.Errorf("update appointment schedule: %w", err)
	}
	ev, err := newEventLog(EventAppointmentRescheduled, appt.ID, appt.ClinicID, now, RescheduledPayload{
		Appointment: payloadOf(appt),
		Previous: PlacementPayload{
			DoctorID:  current.DoctorID,
			RoomID:    current.RoomID,
			StartTime: current.StartTime,
			EndTime:   current.EndTime,
			Status:    current.Status,
		},
		Actor: actor,
	})
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", ev.EventType, err)
	}
	*res = proposal{appt: appt, changed: true, kind: realtime.EventUpdated, prior: current.DoctorID}
	return nil
}

func (s *Service) validateCandidate(c Candidate, actor string) error {
	switch {
	case strings.TrimSpace(actor) == "":
		return invalid("actor", "is required")
	case c.ClinicID == uuid.Nil:
		return invalid("clinic_id", "is required")
	case c.DoctorID == uuid.Nil:
		return invalid("doctor_id", "is required")
	case c.PatientID == uuid.Nil:
		return invalid("patient_id", "is required")
	case c.RoomID != nil && *c.RoomID == uuid.Nil:
		return invalid("room_id", "must be a valid id when set")
	case !c.Type.IsValid():
		return invalid("type", fmt.Sprintf("unknown appointment type %q", c.Type))
	case c.StartTime.IsZero():
		return invalid("start_time", "is required")
	case c.EndTime.IsZero():
		return invalid("end_time", "is required")
	case !c.StartTime.Before(c.EndTime):
		return invalid("end_time", "must be after start_time")
	case c.StartTime.Before(s.now().Add(-s.cfg.PastGrace)):
		return invalid("start_time", "is in the past")
	}
	return nil
}

func referenceError(err error) error {
	for _, ref := range []struct {
		field string
		err   error
	}{
		{"clinic_id", ErrClinicNotFound},
		{"doctor_id", ErrDoctorNotFound},
		{"room_id", ErrRoomNotFound},
		{"patient_id", ErrPatientNotFound},
	} {
		if errors.Is(err, ref.err) {
			return missingReference(ref.field, ref.err)
		}
	}
	return fmt.Errorf("verify references: %w", err)
}

// withBookingLock serializes proposals per doctor across instances when a
// locker is configured. Postgres still enforces the invariant, so a Redis
// outage degrades to running unlocked.
func (s *Service) withBookingLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithLock(ctx, key, fn)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return fmt.Errorf("booking lock busy: %w", ErrUnavailable)
	case errors.Is(err, redisclient.ErrLockBackend):
		s.logger.Warn().Err(err).Str("lock_key", key).Msg("booking lock unavailable, proceeding without it")
		return fn(ctx)
	}
	return err
}

func (s *Service) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.PersistTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.PersistTimeout)
}

// Reschedule moves an appointment to a new window and optionally a new
// doctor or room, with the same guarantees as a new booking.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest, actor string) (*Appointment, error) {
	current, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	c := Candidate{
		ClinicID:  current.ClinicID,
		DoctorID:  current.DoctorID,
		RoomID:    current.RoomID,
		PatientID: current.PatientID,
		Type:      current.Type,
		Reason:    current.Reason,
		Notes:     current.Notes,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	if req.DoctorID != nil {
		c.DoctorID = *req.DoctorID
	}
	switch {
	case req.ClearRoom:
		c.RoomID = nil
	case req.RoomID != nil:
		c.RoomID = req.RoomID
	}

	return s.ProposeAppointment(ctx, c, id, actor)
}

// UpdateDetails edits type, reason and notes. None of them affect
// placement, so no conflict check runs.
func (s *Service) UpdateDetails(ctx context.Context, id uuid.UUID, u DetailsUpdate, actor string) (*Appointment, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "is required")
	}
	if u.Type == nil && u.Reason == nil && u.Notes == nil {
		return nil, invalid("", "no fields to update")
	}
	if u.Type != nil && !u.Type.IsValid() {
		return nil, invalid("type", fmt.Sprintf("unknown appointment type %q", *u.Type))
	}

	current, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != u.Version {
		return nil, ErrConflictingUpdate
	}

	ch := DetailsChange{
		ID:          id,
		FromVersion: u.Version,
		Type:        current.Type,
		Reason:      current.Reason,
		Notes:       current.Notes,
		Actor:       actor,
		At:          s.now().UTC(),
	}
	if u.Type != nil {
		ch.Type = *u.Type
	}
	if u.Reason != nil {
		ch.Reason = u.Reason
	}
	if u.Notes != nil {
		ch.Notes = u.Notes
	}
	ch.Event, err = newEventLog(EventAppointmentDetailsUpdated, id, current.ClinicID, ch.At, DetailsUpdatedPayload{
		AppointmentID: id,
		Type:          ch.Type,
		Reason:        ch.Reason,
		Notes:         ch.Notes,
		Actor:         actor,
		Version:       u.Version + 1,
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitCtx, cancel := s.persistCtx(context.WithoutCancel(ctx))
	defer cancel()

	updated, err := s.repo.UpdateDetails(commitCtx, ch)
	if err != nil {
		return nil, unavailable("update appointment details", err)
	}

	s.sync.Notify(context.WithoutCancel(ctx), realtime.EventUpdated, updated)
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := s.persistCtx(ctx)
	defer cancel()

	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, unavailable("get appointment", err)
	}
	return appt, nil
}

// ListAppointments serves calendar views and subscriber re-sync.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.ClinicID == uuid.Nil {
		return nil, invalid("clinic_id", "is required")
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, invalid("to", "must be after from")
	}
	for _, st := range f.Statuses {
		if !st.IsValid() {
			return nil, invalid("status", fmt.Sprintf("unknown appointment status %q", st))
		}
	}
	f = f.Normalized()

	ctx, cancel := s.persistCtx(ctx)
	defer cancel()

	appts, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, unavailable("list appointments", fmt.Errorf("list appointments: %w", err))
	}
	return appts, nil
}

func outcomeOf(err error) string {
	var (
		validation *ValidationError
		conflict   *SchedulingConflictError
		illegal    *IllegalTransitionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &conflict):
		return "scheduling_conflict"
	case errors.As(err, &illegal):
		return "illegal_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflictingUpdate):
		return "conflicting_update"
	case IsRetryable(err):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
