package appointment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosabry99/ClinicWave/internal/metrics"
)

// SQLSTATEs that mean "run the booking again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgExclusionViolation   = "23P01"
)

// dbPool is the subset of *pgxpool.Pool the repository needs.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PgRepository struct {
	pool     dbPool
	attempts int
	metrics  *metrics.Scheduling
}

// NewPgRepository retries a booking transaction up to attempts times on
// serialization failures.
func NewPgRepository(pool *pgxpool.Pool, attempts int, m *metrics.Scheduling) *PgRepository {
	return newPgRepository(pool, attempts, m)
}

func newPgRepository(pool dbPool, attempts int, m *metrics.Scheduling) *PgRepository {
	if attempts < 1 {
		attempts = 1
	}
	return &PgRepository{pool: pool, attempts: attempts, metrics: m}
}

const appointmentColumns = `id, clinic_id, doctor_id, room_id, patient_id, type, reason, notes,
	start_time, end_time, status, version, created_at, updated_at, created_by, updated_by`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var typ, status string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.DoctorID,
		&a.RoomID,
		&a.PatientID,
		&typ,
		&a.Reason,
		&a.Notes,
		&a.StartTime,
		&a.EndTime,
		&status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CreatedBy,
		&a.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.Type = Type(typ)
	a.Status = Status(status)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgExclusionViolation:
		return true
	}
	return false
}

func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// Interface methods

func (r *PgRepository) WithinBookingTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := r.runBookingTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}
		r.metrics.IncTxRetry()

		backoff := time.Duration(attempt)*10*time.Millisecond + time.Duration(rand.Int64N(int64(10*time.Millisecond)))
		select {
		case <-ctx.Done():
			return fmt.Errorf("booking transaction: %w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("booking transaction failed after %d attempts: %w: %v", r.attempts, ErrUnavailable, lastErr)
}

func (r *PgRepository) runBookingTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin booking tx: %w", err)
	}

	if err := fn(ctx, &pgBookingTx{tx: tx}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit booking tx: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE clinic_id = $1`
	args := []any{f.ClinicID}
	where := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}

	if f.DoctorID != nil {
		where("doctor_id = $%d", *f.DoctorID)
	}
	if f.RoomID != nil {
		where("room_id = $%d", *f.RoomID)
	}
	if f.PatientID != nil {
		where("patient_id = $%d", *f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		where("status = ANY($%d)", statuses)
	}
	// From/To select appointments overlapping the range, not starting in it.
	if f.From != nil {
		where("end_time > $%d", *f.From)
	}
	if f.To != nil {
		where("start_time < $%d", *f.To)
	}

	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY start_time, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, ch StatusChange) (*Appointment, error) {
	var updated *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $3,
			    version = version + 1,
			    updated_at = $4,
			    updated_by = $5
			WHERE id = $1
			  AND version = $2
			  AND status = $6
			RETURNING `+appointmentColumns,
			ch.ID, ch.FromVersion, string(ch.To), ch.At, ch.Actor, string(ch.From))

		a, err := scanAppointment(row)
		if errors.Is(err, ErrNotFound) {
			return ErrConflictingUpdate
		}
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}
		updated = a
		return insertEvent(ctx, tx, ch.Event)
	})
	return updated, err
}

func (r *PgRepository) UpdateDetails(ctx context.Context, ch DetailsChange) (*Appointment, error) {
	var updated *Appointment
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET type = $3,
			    reason = $4,
			    notes = $5,
			    version = version + 1,
			    updated_at = $6,
			    updated_by = $7
			WHERE id = $1
			  AND version = $2
			RETURNING `+appointmentColumns,
			ch.ID, ch.FromVersion, string(ch.Type), ch.Reason, ch.Notes, ch.At, ch.Actor)

		a, err := scanAppointment(row)
		if errors.Is(err, ErrNotFound) {
			return ErrConflictingUpdate
		}
		if err != nil {
			return fmt.Errorf("update appointment details: %w", err)
		}
		updated = a
		return insertEvent(ctx, tx, ch.Event)
	})
	return updated, err
}

func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev EventLog) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, appointment_id, clinic_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.EventType, ev.AppointmentID, ev.ClinicID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

// pgBookingTx implements BookingTx on a serializable transaction.
type pgBookingTx struct {
	tx pgx.Tx
}

func (t *pgBookingTx) VerifyReferences(ctx context.Context, c Candidate) error {
	var clinicOK, doctorOK, roomOK, patientOK bool
	err := t.tx.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM clinics WHERE id = $1 AND active),
			EXISTS (SELECT 1 FROM doctors WHERE id = $2 AND clinic_id = $1 AND active),
			($4::uuid IS NULL OR EXISTS (SELECT 1 FROM rooms WHERE id = $4 AND clinic_id = $1 AND active)),
			EXISTS (SELECT 1 FROM patients WHERE id = $3 AND clinic_id = $1 AND active)
	`, c.ClinicID, c.DoctorID, c.PatientID, c.RoomID).Scan(&clinicOK, &doctorOK, &roomOK, &patientOK)
	if err != nil {
		return fmt.Errorf("verify references: %w", err)
	}

	switch {
	case !clinicOK:
		return ErrClinicNotFound
	case !doctorOK:
		return ErrDoctorNotFound
	case !roomOK:
		return ErrRoomNotFound
	case !patientOK:
		return ErrPatientNotFound
	}
	return nil
}

func (t *pgBookingTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgBookingTx) FindOverlapping(ctx context.Context, w BookingWindow, excludeID uuid.UUID) ([]Appointment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND status NOT IN ('CANCELLED', 'NO_SHOW')
		  AND start_time < $4
		  AND $3 < end_time
		  AND (doctor_id = $2 OR ($5::uuid IS NOT NULL AND room_id = $5))
		  AND ($6::uuid IS NULL OR id <> $6)
		ORDER BY start_time, id
	`, w.ClinicID, w.DoctorID, w.Start, w.End, w.RoomID, nullableID(excludeID))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgBookingTx) Insert(ctx context.Context, c Candidate, actor string, at time.Time) (*Appointment, error) {
	id := uuid.New()

	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, clinic_id, doctor_id, room_id, patient_id, type, reason, notes,
			start_time, end_time, status, version, created_at, updated_at, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'SCHEDULED', 1, $11, $11, $12, $12)
		RETURNING `+appointmentColumns,
		id, c.ClinicID, c.DoctorID, c.RoomID, c.PatientID, string(c.Type), c.Reason, c.Notes,
		c.StartTime, c.EndTime, at, actor)

	return scanAppointment(row)
}

func (t *pgBookingTx) UpdateSchedule(ctx context.Context, ch ScheduleChange) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET doctor_id = $3,
		    room_id = $4,
		    start_time = $5,
		    end_time = $6,
		    status = $7,
		    version = version + 1,
		    updated_at = $8,
		    updated_by = $9
		WHERE id = $1
		  AND version = $2
		RETURNING `+appointmentColumns,
		ch.ID, ch.FromVersion, ch.Window.DoctorID, ch.Window.RoomID, ch.Window.Start, ch.Window.End,
		string(ch.Status), ch.At, ch.Actor)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflictingUpdate
	}
	return a, err
}

func (t *pgBookingTx) AppendEvent(ctx context.Context, ev EventLog) error {
	return insertEvent(ctx, t.tx, ev)
}
