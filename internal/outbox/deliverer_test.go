package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosabry99/ClinicWave/internal/metrics"
)

// memStore mirrors the outbox_events claim rules against a manual clock.
type memStore struct {
	mu        sync.Mutex
	clock     time.Time
	pending   []Entry
	delivered map[uuid.UUID]bool
	failures  map[uuid.UUID]int
	dueAt     map[uuid.UUID]time.Time
	fetchErr  error
}

func newMemStore(entries ...Entry) *memStore {
	return &memStore{
		clock:     time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC),
		pending:   entries,
		delivered: map[uuid.UUID]bool{},
		failures:  map[uuid.UUID]int{},
		dueAt:     map[uuid.UUID]time.Time{},
	}
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(d)
}

func (s *memStore) ClaimPending(_ context.Context, limit int32, maxAttempts int, lease time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []Entry
	for _, e := range s.pending {
		if s.delivered[e.ID] || s.failures[e.ID] >= maxAttempts || s.dueAt[e.ID].After(s.clock) {
			continue
		}
		e.Attempts = s.failures[e.ID]
		s.dueAt[e.ID] = s.clock.Add(lease)
		out = append(out, e)
		if int32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered[id] {
		return false, nil
	}
	s.delivered[id] = true
	return true, nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, _ error, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	s.dueAt[id] = s.clock.Add(retryAfter)
	return nil
}

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []uuid.UUID
	fail func(Entry) error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e.ID)
	if s.fail != nil {
		return s.fail(e)
	}
	return nil
}

func entry(eventType string) Entry {
	return Entry{
		ID:            uuid.New(),
		EventType:     eventType,
		AppointmentID: uuid.New(),
		ClinicID:      uuid.New(),
		Payload:       json.RawMessage(`{}`),
		CreatedAt:     time.Date(2030, 3, 4, 8, 0, 0, 0, time.UTC),
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, sink, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "clinicwave_outbox_deliveries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, map[string]string{"sink": sink, "result": result}) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestDeliverer_DeliversToAllSinks(t *testing.T) {
	first, second := entry("appointment.created"), entry("appointment.status_changed")
	store := newMemStore(first, second)
	audit := &recordingSink{name: "audit"}
	queue := &recordingSink{name: "sqs"}
	reg := prometheus.NewRegistry()

	d := NewDeliverer(store, zerolog.Nop(), metrics.NewScheduling(reg), audit, queue)

	assert.Equal(t, 2, d.RunOnce(context.Background()))
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, audit.got)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, queue.got)
	assert.Equal(t, 0, d.RunOnce(context.Background()), "acknowledged entries are not redelivered")
	assert.Equal(t, float64(2), counterValue(t, reg, "sqs", "ok"))
}

func TestDeliverer_RetriesUntilEverySinkAccepts(t *testing.T) {
	e := entry("appointment.rescheduled")
	store := newMemStore(e)
	audit := &recordingSink{name: "audit"}
	calls := 0
	queue := &recordingSink{name: "sqs", fail: func(Entry) error {
		calls++
		if calls == 1 {
			return errors.New("throttled")
		}
		return nil
	}}
	reg := prometheus.NewRegistry()
	d := NewDeliverer(store, zerolog.Nop(), metrics.NewScheduling(reg), audit, queue)

	assert.Equal(t, 0, d.RunOnce(context.Background()))
	assert.Equal(t, 1, store.failures[e.ID])
	assert.False(t, store.delivered[e.ID])

	assert.Equal(t, 0, d.RunOnce(context.Background()), "failed entry waits out its backoff")
	store.advance(2 * time.Second)
	assert.Equal(t, 1, d.RunOnce(context.Background()))
	assert.True(t, store.delivered[e.ID])
	assert.Len(t, audit.got, 2, "audit sink sees the redelivery")
	assert.Equal(t, float64(1), counterValue(t, reg, "sqs", "error"))
}

func TestDeliverer_RespectsBatchSize(t *testing.T) {
	store := newMemStore(entry("a"), entry("b"), entry("c"))
	sink := &recordingSink{name: "audit"}
	d := NewDeliverer(store, zerolog.Nop(), nil, sink).WithBatchSize(2)

	assert.Equal(t, 2, d.RunOnce(context.Background()))
	assert.Equal(t, 1, d.RunOnce(context.Background()))
}

func TestDeliverer_PoisonEntriesDoNotStarveLaterOnes(t *testing.T) {
	bad1, bad2 := entry("appointment.created"), entry("appointment.created")
	good := []Entry{entry("appointment.status_changed"), entry("appointment.status_changed"), entry("appointment.rescheduled")}
	store := newMemStore(append([]Entry{bad1, bad2}, good...)...)
	poison := map[uuid.UUID]bool{bad1.ID: true, bad2.ID: true}
	queue := &recordingSink{name: "sqs", fail: func(e Entry) error {
		if poison[e.ID] {
			return errors.New("message body too large")
		}
		return nil
	}}
	reg := prometheus.NewRegistry()
	d := NewDeliverer(store, zerolog.Nop(), metrics.NewScheduling(reg), queue).
		WithBatchSize(2).
		WithInterval(time.Second).
		WithMaxAttempts(3)

	assert.Equal(t, 0, d.RunOnce(context.Background()), "first batch is the two poison entries")
	assert.Equal(t, 2, d.RunOnce(context.Background()))
	assert.Equal(t, 1, d.RunOnce(context.Background()))
	for _, e := range good {
		assert.True(t, store.delivered[e.ID])
	}

	// Keep retrying past every backoff until the poison entries are parked.
	for i := 0; i < 10; i++ {
		store.advance(time.Hour)
		d.RunOnce(context.Background())
	}
	assert.Equal(t, 3, store.failures[bad1.ID])
	assert.Equal(t, 3, store.failures[bad2.ID])
	assert.Len(t, queue.got, len(good)+2*3, "parked entries are not claimed again")
	assert.Equal(t, float64(2), counterValue(t, reg, "all", "abandoned"))
}

func TestDeliverer_BackoffDoublesAndCaps(t *testing.T) {
	d := NewDeliverer(newMemStore(), zerolog.Nop(), nil).WithInterval(time.Second)
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 10*time.Minute, d.backoff(40))
}

func TestDeliverer_FetchErrorIsLogged(t *testing.T) {
	store := newMemStore(entry("a"))
	store.fetchErr = errors.New("db down")
	sink := &recordingSink{name: "audit"}

	d := NewDeliverer(store, zerolog.Nop(), nil, sink)
	assert.Equal(t, 0, d.RunOnce(context.Background()))
	assert.Empty(t, sink.got)
}

func TestDeliverer_StartStopsOnCancel(t *testing.T) {
	store := newMemStore(entry("a"))
	sink := &recordingSink{name: "audit"}
	d := NewDeliverer(store, zerolog.Nop(), nil, sink).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.delivered) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliverer did not stop")
	}
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSQSSink_SendsEnvelope(t *testing.T) {
	client := &fakeSQS{}
	sink := newSQSSink(client, "http://localhost:4566/000000000000/appointment-events")
	e := entry("appointment.status_changed")
	e.Payload = json.RawMessage(`{"new_status":"CONFIRMED"}`)

	require.NoError(t, sink.Deliver(context.Background(), e))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "http://localhost:4566/000000000000/appointment-events", aws.ToString(in.QueueUrl))
	assert.Equal(t, "appointment.status_changed", aws.ToString(in.MessageAttributes["event_type"].StringValue))
	assert.Equal(t, e.ClinicID.String(), aws.ToString(in.MessageAttributes["clinic_id"].StringValue))

	var body Entry
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, e.ID, body.ID)
	assert.JSONEq(t, `{"new_status":"CONFIRMED"}`, string(body.Payload))
}

func TestSQSSink_WrapsSendError(t *testing.T) {
	sink := newSQSSink(&fakeSQS{err: errors.New("access denied")}, "q")
	err := sink.Deliver(context.Background(), entry("a"))
	assert.ErrorContains(t, err, "outbox: sqs send: access denied")
}
