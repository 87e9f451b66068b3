package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/realtime"
)

func TestTransition_FollowsTable(t *testing.T) {
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			f := newFixture(t)
			a := f.seed(from, f.at(10, 0), f.at(10, 30))

			updated, err := f.sync.Transition(context.Background(), a.ID, to, "nurse", nil)
			if from.CanTransitionTo(to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, updated.Status)
				assert.Equal(t, 2, updated.Version)
				continue
			}
			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal, "%s -> %s", from, to)
			assert.Equal(t, from, illegal.From)
			assert.Equal(t, to, illegal.To)
			assert.Equal(t, a, f.repo.snapshot(a.ID))
		}
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		f := newFixture(t)
		a := f.seed(from, f.at(10, 0), f.at(10, 30))
		for _, to := range AllStatuses {
			_, err := f.sync.Transition(context.Background(), a.ID, to, "nurse", nil)
			var illegal *IllegalTransitionError
			assert.ErrorAs(t, err, &illegal, "%s -> %s", from, to)
		}
		assert.Empty(t, f.pub.all())
	}
}

func TestTransition_ScheduledToCompletedIsIllegal(t *testing.T) {
	f := newFixture(t)
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))

	_, err := f.sync.Transition(context.Background(), a.ID, StatusCompleted, "doctor", nil)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "illegal status transition from SCHEDULED to COMPLETED", err.Error())
	assert.Empty(t, f.repo.eventTypes())
}

func TestTransition_CheckedInToInProgressNotifiesClinicOnce(t *testing.T) {
	f := newFixture(t)
	hub := realtime.NewHub(8, nil)
	f.sync = NewSynchronizer(f.repo, hub, config.Config{PersistTimeout: time.Second}, zerolog.Nop(),
		WithClock(func() time.Time { return f.now }))

	clinicSub := hub.Subscribe(realtime.Scope{ClinicID: f.clinic})
	doctorSub := hub.Subscribe(realtime.Scope{ClinicID: f.clinic, DoctorIDs: []uuid.UUID{f.doctor}})
	otherDoctorSub := hub.Subscribe(realtime.Scope{ClinicID: f.clinic, DoctorIDs: []uuid.UUID{f.doctor2}})
	otherClinicSub := hub.Subscribe(realtime.Scope{ClinicID: uuid.New()})

	a := f.seed(StatusCheckedIn, f.at(10, 0), f.at(10, 30))
	_, err := f.sync.Transition(context.Background(), a.ID, StatusInProgress, "dr-smith", nil)
	require.NoError(t, err)

	for _, sub := range []*realtime.Subscription{clinicSub, doctorSub} {
		select {
		case msg := <-sub.C():
			var ev realtime.Event
			require.NoError(t, json.Unmarshal(msg, &ev))
			assert.Equal(t, realtime.EventStatusChanged, ev.Type)
			assert.Equal(t, a.ID, ev.AppointmentID)

			var data StatusChangedPayload
			require.NoError(t, json.Unmarshal(ev.Data, &data))
			assert.Equal(t, a.ID, data.AppointmentID)
			assert.Equal(t, StatusCheckedIn, data.OldStatus)
			assert.Equal(t, StatusInProgress, data.NewStatus)
			assert.Equal(t, "dr-smith", data.Actor)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive statusChanged")
		}
		select {
		case msg := <-sub.C():
			t.Fatalf("duplicate delivery: %s", msg)
		default:
		}
	}
	for _, sub := range []*realtime.Subscription{otherDoctorSub, otherClinicSub} {
		select {
		case msg := <-sub.C():
			t.Fatalf("out-of-scope delivery: %s", msg)
		default:
		}
	}
}

func TestTransition_ConcurrentFromSameVersion(t *testing.T) {
	f := newFixture(t)
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))
	version := a.Version

	targets := []Status{StatusConfirmed, StatusCancelled}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Status) {
			defer wg.Done()
			_, errs[i] = f.sync.Transition(context.Background(), a.ID, target, "desk", &version)
		}(i, target)
	}
	wg.Wait()

	var ok, conflicting int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflictingUpdate):
			conflicting++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicting)
	assert.Equal(t, 2, f.repo.snapshot(a.ID).Version)
	assert.Len(t, f.repo.eventTypes(), 1)
}

func TestTransition_StaleExpectedVersion(t *testing.T) {
	f := newFixture(t)
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))
	stale := 7

	_, err := f.sync.Transition(context.Background(), a.ID, StatusConfirmed, "desk", &stale)
	assert.ErrorIs(t, err, ErrConflictingUpdate)
	assert.Equal(t, StatusScheduled, f.repo.snapshot(a.ID).Status)
}

func TestTransition_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))

	var verr *ValidationError
	_, err := f.sync.Transition(context.Background(), a.ID, "ARCHIVED", "desk", nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)

	_, err = f.sync.Transition(context.Background(), a.ID, StatusConfirmed, "", nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actor", verr.Field)

	_, err = f.sync.Transition(context.Background(), uuid.New(), StatusConfirmed, "desk", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_WritesOutboxEvent(t *testing.T) {
	f := newFixture(t)
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))

	_, err := f.sync.Transition(context.Background(), a.ID, StatusConfirmed, "patient-portal", nil)
	require.NoError(t, err)

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	require.Len(t, f.repo.events, 1)
	ev := f.repo.events[0]
	assert.Equal(t, EventAppointmentStatusChanged, ev.EventType)
	assert.Equal(t, a.ID, ev.AppointmentID)
	assert.Equal(t, f.clinic, ev.ClinicID)

	var payload StatusChangedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, StatusScheduled, payload.OldStatus)
	assert.Equal(t, StatusConfirmed, payload.NewStatus)
	assert.Equal(t, 2, payload.Version)
}

func TestTransition_BroadcastFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errPublish
	a := f.seed(StatusScheduled, f.at(10, 0), f.at(10, 30))

	updated, err := f.sync.Transition(context.Background(), a.ID, StatusConfirmed, "desk", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
}

func TestNotify_NilSafe(t *testing.T) {
	var s *Synchronizer
	s.Notify(context.Background(), realtime.EventCreated, &Appointment{})

	f := newFixture(t)
	f.sync.Notify(context.Background(), realtime.EventUpdated, nil)
	assert.Empty(t, f.pub.all())
}
