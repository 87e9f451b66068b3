package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newStoreWithExec(mock)

	now := time.Now().UTC()
	id, apptID, clinicID := uuid.New(), uuid.New(), uuid.New()
	rows := pgxmock.NewRows([]string{"id", "event_type", "appointment_id", "clinic_id", "payload", "created_at", "attempts"}).
		AddRow(id, "appointment.created", apptID, clinicID, []byte(`{"status":"SCHEDULED"}`), now, 0)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs(int32(10), 5, float64(60)).WillReturnRows(rows)

	entries, err := store.ClaimPending(context.Background(), 10, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, apptID, entries[0].AppointmentID)
	assert.JSONEq(t, `{"status":"SCHEDULED"}`, string(entries[0].Payload))

	mock.ExpectExec("next_attempt_at = now").WithArgs(id, "sqs: throttled", float64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkFailed(context.Background(), id, errors.New("sqs: throttled"), 4*time.Second))

	mock.ExpectExec("UPDATE outbox_events").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE outbox_events").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = store.MarkDelivered(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "second acknowledgement is a no-op")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreClaimPendingError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE outbox_events").WithArgs(int32(5), 10, float64(30)).WillReturnError(errors.New("connection reset"))

	_, err = newStoreWithExec(mock).ClaimPending(context.Background(), 5, 10, 30*time.Second)
	assert.ErrorContains(t, err, "outbox: claim pending")
}
