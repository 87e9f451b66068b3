package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/metrics"
	"github.com/mosabry99/ClinicWave/internal/realtime"
)

// Synchronizer owns the status lifecycle and pushes committed changes to
// realtime subscribers.
type Synchronizer struct {
	repo    Repository
	pub     realtime.Publisher
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Scheduling
	now     func() time.Time
}

func NewSynchronizer(repo Repository, pub realtime.Publisher, cfg config.Config, logger zerolog.Logger, opts ...Option) *Synchronizer {
	o := buildOptions(opts)
	return &Synchronizer{
		repo:    repo,
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		now:     o.now,
	}
}

// Transition moves appointment id to target. When expectedVersion is set the
// caller's view must still be current.
func (s *Synchronizer) Transition(ctx context.Context, id uuid.UUID, target Status, actor string, expectedVersion *int) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("appointment.target_status", string(target)),
	)

	appt, prev, err := s.transition(ctx, id, target, actor, expectedVersion)
	s.metrics.ObserveTransition(string(target), outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.broadcast(context.WithoutCancel(ctx), realtime.EventStatusChanged, appt, StatusChangedPayload{
		AppointmentID: appt.ID,
		OldStatus:     prev,
		NewStatus:     appt.Status,
		Actor:         actor,
		Timestamp:     appt.UpdatedAt,
		Version:       appt.Version,
	})
	return appt, nil
}

func (s *Synchronizer) transition(ctx context.Context, id uuid.UUID, target Status, actor string, expectedVersion *int) (*Appointment, Status, error) {
	if !target.IsValid() {
		return nil, "", invalid("status", fmt.Sprintf("unknown appointment status %q", target))
	}
	if strings.TrimSpace(actor) == "" {
		return nil, "", invalid("actor", "is required")
	}

	readCtx, cancel := s.persistCtx(ctx)
	current, err := s.repo.GetAppointment(readCtx, id)
	cancel()
	if err != nil {
		return nil, "", unavailable("load appointment", err)
	}

	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, "", ErrConflictingUpdate
	}
	if !current.Status.CanTransitionTo(target) {
		return nil, "", &IllegalTransitionError{From: current.Status, To: target}
	}

	at := s.now().UTC()
	ev, err := newEventLog(EventAppointmentStatusChanged, id, current.ClinicID, at, StatusChangedPayload{
		AppointmentID: id,
		OldStatus:     current.Status,
		NewStatus:     target,
		Actor:         actor,
		Timestamp:     at,
		Version:       current.Version + 1,
	})
	if err != nil {
		return nil, "", err
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	commitCtx, cancel := s.persistCtx(context.WithoutCancel(ctx))
	defer cancel()

	updated, err := s.repo.UpdateStatus(commitCtx, StatusChange{
		ID:          id,
		From:        current.Status,
		FromVersion: current.Version,
		To:          target,
		Actor:       actor,
		At:          at,
		Event:       ev,
	})
	if err != nil {
		return nil, "", unavailable("update appointment status", err)
	}
	return updated, current.Status, nil
}

// Notify broadcasts a committed create or update. priorDoctors lists doctors
// the appointment moved away from so their subscribers see it leave.
func (s *Synchronizer) Notify(ctx context.Context, kind string, appt *Appointment, priorDoctors ...uuid.UUID) {
	if s == nil || appt == nil {
		return
	}
	s.broadcast(ctx, kind, appt, payloadOf(appt), priorDoctors...)
}

func (s *Synchronizer) broadcast(ctx context.Context, kind string, appt *Appointment, data any, priorDoctors ...uuid.UUID) {
	if s.pub == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		s.metrics.ObserveBroadcast(kind, "failed")
		s.logger.Error().Err(err).Str("event_type", kind).Msg("marshal realtime payload")
		return
	}

	scope := realtime.Scope{
		ClinicID:  appt.ClinicID,
		DoctorIDs: append([]uuid.UUID{appt.DoctorID}, priorDoctors...),
	}
	ev := realtime.Event{
		Type:          kind,
		AppointmentID: appt.ID,
		ClinicID:      appt.ClinicID,
		Timestamp:     s.now().UTC(),
		Data:          raw,
	}

	pubCtx, cancel := s.persistCtx(ctx)
	defer cancel()

	if err := s.pub.Publish(pubCtx, scope, ev); err != nil {
		s.metrics.ObserveBroadcast(kind, "failed")
		s.logger.Warn().
			Err(err).
			Str("event_type", kind).
			Str("appointment_id", appt.ID.String()).
			Msg("realtime broadcast failed")
	}
}

func (s *Synchronizer) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.PersistTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.PersistTimeout)
}
