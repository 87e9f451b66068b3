package appointment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

var (
	ErrClinicNotFound  = errors.New("clinic not found")
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrPatientNotFound = errors.New("patient not found")

	ErrNotFound          = errors.New("appointment not found")
	ErrConflictingUpdate = errors.New("appointment was modified concurrently, refetch and retry")

	// ErrUnavailable marks failures the caller may retry with backoff:
	// store timeouts and outages, exhausted serialization retries, lock
	// contention.
	ErrUnavailable = errors.New("scheduling store unavailable")
)

// ValidationError reports malformed input or a missing reference.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// missingReference wraps one of the Err*NotFound sentinels.
func missingReference(field string, err error) error {
	return &ValidationError{Field: field, Message: err.Error(), Err: err}
}

// SchedulingConflictError carries the blocking appointments so callers can
// offer alternative slots.
type SchedulingConflictError struct {
	ConflictingIDs []uuid.UUID
}

func (e *SchedulingConflictError) Error() string {
	ids := make([]string, 0, len(e.ConflictingIDs))
	for _, id := range e.ConflictingIDs {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("scheduling conflict with appointment(s) %s", strings.Join(ids, ", "))
}

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", e.From, e.To)
}

// IsRetryable reports whether err is a transient failure rather than a
// user-actionable outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// unavailable converts timeouts and lost database connections into the
// retryable error and leaves everything else untouched.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || isConnectionFailure(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return err
}

// isConnectionFailure reports whether err means Postgres could not be
// reached or the session was lost, as opposed to a query being rejected.
func isConnectionFailure(err error) bool {
	if errors.Is(err, puddle.ErrClosedPool) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01-57P03 are shutdown and
		// crash recovery; 53300 is too_many_connections.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03",
			pgErr.Code == "53300":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
