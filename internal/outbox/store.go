package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one committed domain event waiting for delivery.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"event_type"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	ClinicID      uuid.UUID       `json:"clinic_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store reads and acknowledges rows of outbox_events. Rows are written by
// the appointment repository inside the booking transaction.
type Store struct {
	db querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("outbox: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithExec(db querier) *Store {
	return &Store{db: db}
}

// ClaimPending leases up to limit due entries that have been tried fewer
// than maxAttempts times. A claimed row is hidden from other workers until
// lease expires, so a crashed worker's batch is picked up again later.
func (s *Store) ClaimPending(ctx context.Context, limit int32, maxAttempts int, lease time.Duration) ([]Entry, error) {
	query := `
		UPDATE outbox_events
		SET next_attempt_at = now() + make_interval(secs => $3)
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE delivered_at IS NULL
			  AND attempts < $2
			  AND next_attempt_at <= now()
			ORDER BY next_attempt_at, created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, appointment_id, clinic_id, payload, created_at, attempts
	`
	rows, err := s.db.Query(ctx, query, limit, maxAttempts, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.AppointmentID, &e.ClinicID, &payload, &e.CreatedAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan entry: %w", err)
		}
		e.Payload = append(json.RawMessage(nil), payload...)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}

	// RETURNING order is unspecified.
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return entries, nil
}

// MarkDelivered reports false when another worker already acknowledged the row.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox_events
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("outbox: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records the failure and hides the row until retryAfter has
// passed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAfter time.Duration) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, cause.Error(), retryAfter.Seconds()); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
