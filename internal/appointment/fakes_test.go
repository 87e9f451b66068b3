package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/realtime"
)

// memRepo is an in-memory Repository. WithinBookingTx holds one mutex for
// the whole unit, which is what SERIALIZABLE guarantees to the engine.
type memRepo struct {
	mu       sync.Mutex
	clinics  map[uuid.UUID]bool
	doctors  map[uuid.UUID]Doctor
	rooms    map[uuid.UUID]Room
	patients map[uuid.UUID]Patient
	appts    map[uuid.UUID]Appointment
	events   []EventLog

	// txErr, when set, is returned by WithinBookingTx without running fn.
	txErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		clinics:  make(map[uuid.UUID]bool),
		doctors:  make(map[uuid.UUID]Doctor),
		rooms:    make(map[uuid.UUID]Room),
		patients: make(map[uuid.UUID]Patient),
		appts:    make(map[uuid.UUID]Appointment),
	}
}

func (r *memRepo) put(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[a.ID] = a
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (r *memRepo) snapshot(id uuid.UUID) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appts[id]
}

func (r *memRepo) WithinBookingTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error {
	if r.txErr != nil {
		return r.txErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := make(map[uuid.UUID]Appointment, len(r.appts))
	for k, v := range r.appts {
		saved[k] = v
	}
	savedEvents := len(r.events)

	if err := fn(ctx, &memTx{r: r}); err != nil {
		r.appts = saved
		r.events = r.events[:savedEvents]
		return err
	}
	return nil
}

func (r *memRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memRepo) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appts {
		if a.ClinicID != f.ClinicID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.From != nil && !a.EndTime.After(*f.From) {
			continue
		}
		if f.To != nil && !a.StartTime.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, ch StatusChange) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[ch.ID]
	if !ok || a.Version != ch.FromVersion || a.Status != ch.From {
		return nil, ErrConflictingUpdate
	}
	a.Status = ch.To
	a.Version++
	a.UpdatedAt = ch.At
	a.UpdatedBy = ch.Actor
	r.appts[a.ID] = a
	r.events = append(r.events, ch.Event)
	return &a, nil
}

func (r *memRepo) UpdateDetails(_ context.Context, ch DetailsChange) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[ch.ID]
	if !ok || a.Version != ch.FromVersion {
		return nil, ErrConflictingUpdate
	}
	a.Type = ch.Type
	a.Reason = ch.Reason
	a.Notes = ch.Notes
	a.Version++
	a.UpdatedAt = ch.At
	a.UpdatedBy = ch.Actor
	r.appts[a.ID] = a
	r.events = append(r.events, ch.Event)
	return &a, nil
}

type memTx struct {
	r *memRepo
}

func (t *memTx) VerifyReferences(_ context.Context, c Candidate) error {
	if !t.r.clinics[c.ClinicID] {
		return ErrClinicNotFound
	}
	if d, ok := t.r.doctors[c.DoctorID]; !ok || !d.Active || d.ClinicID != c.ClinicID {
		return ErrDoctorNotFound
	}
	if c.RoomID != nil {
		if rm, ok := t.r.rooms[*c.RoomID]; !ok || !rm.Active || rm.ClinicID != c.ClinicID {
			return ErrRoomNotFound
		}
	}
	if p, ok := t.r.patients[c.PatientID]; !ok || !p.Active || p.ClinicID != c.ClinicID {
		return ErrPatientNotFound
	}
	return nil
}

func (t *memTx) GetForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// FindOverlapping deliberately returns a superset (every same-clinic
// overlap) so the engine's own filtering is exercised.
func (t *memTx) FindOverlapping(_ context.Context, w BookingWindow, excludeID uuid.UUID) ([]Appointment, error) {
	var out []Appointment
	for _, a := range t.r.appts {
		if a.ID == excludeID || a.ClinicID != w.ClinicID {
			continue
		}
		if w.Overlaps(a.StartTime, a.EndTime) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (t *memTx) Insert(_ context.Context, c Candidate, actor string, at time.Time) (*Appointment, error) {
	a := Appointment{
		ID:        uuid.New(),
		ClinicID:  c.ClinicID,
		DoctorID:  c.DoctorID,
		RoomID:    c.RoomID,
		PatientID: c.PatientID,
		Type:      c.Type,
		Reason:    c.Reason,
		Notes:     c.Notes,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
		Status:    StatusScheduled,
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
		CreatedBy: actor,
		UpdatedBy: actor,
	}
	t.r.appts[a.ID] = a
	return &a, nil
}

func (t *memTx) UpdateSchedule(_ context.Context, ch ScheduleChange) (*Appointment, error) {
	a, ok := t.r.appts[ch.ID]
	if !ok || a.Version != ch.FromVersion {
		return nil, ErrConflictingUpdate
	}
	a.DoctorID = ch.Window.DoctorID
	a.RoomID = ch.Window.RoomID
	a.StartTime = ch.Window.Start
	a.EndTime = ch.Window.End
	a.Status = ch.Status
	a.Version++
	a.UpdatedAt = ch.At
	a.UpdatedBy = ch.Actor
	t.r.appts[a.ID] = a
	return &a, nil
}

func (t *memTx) AppendEvent(_ context.Context, ev EventLog) error {
	t.r.events = append(t.r.events, ev)
	return nil
}

type published struct {
	scope realtime.Scope
	event realtime.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, scope realtime.Scope, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{scope: scope, event: ev})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type stubLocker struct {
	err   error
	calls int
}

func (l *stubLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	l.calls++
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

var errPublish = errors.New("publish failed")

// fixture is one clinic with two doctors, a room and a patient.
type fixture struct {
	repo    *memRepo
	pub     *recordingPublisher
	svc     *Service
	sync    *Synchronizer
	now     time.Time
	clinic  uuid.UUID
	doctor  uuid.UUID
	doctor2 uuid.UUID
	room    uuid.UUID
	patient uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		pub:     &recordingPublisher{},
		now:     time.Date(2030, 3, 4, 8, 0, 0, 0, time.UTC),
		clinic:  uuid.New(),
		doctor:  uuid.New(),
		doctor2: uuid.New(),
		room:    uuid.New(),
		patient: uuid.New(),
	}
	f.repo.clinics[f.clinic] = true
	f.repo.doctors[f.doctor] = Doctor{ID: f.doctor, ClinicID: f.clinic, Active: true}
	f.repo.doctors[f.doctor2] = Doctor{ID: f.doctor2, ClinicID: f.clinic, Active: true}
	f.repo.rooms[f.room] = Room{ID: f.room, ClinicID: f.clinic, Active: true}
	f.repo.patients[f.patient] = Patient{ID: f.patient, ClinicID: f.clinic, Active: true}

	cfg := config.Config{PastGrace: 5 * time.Minute, PersistTimeout: time.Second}
	clock := WithClock(func() time.Time { return f.now })
	f.sync = NewSynchronizer(f.repo, f.pub, cfg, zerolog.Nop(), clock)
	f.svc = NewService(f.repo, nil, f.sync, cfg, zerolog.Nop(), clock)
	return f
}

// at returns today's hh:mm in the fixture's clock.
func (f *fixture) at(hour, minute int) time.Time {
	return time.Date(f.now.Year(), f.now.Month(), f.now.Day(), hour, minute, 0, 0, time.UTC)
}

func (f *fixture) candidate(start, end time.Time) Candidate {
	return Candidate{
		ClinicID:  f.clinic,
		DoctorID:  f.doctor,
		PatientID: f.patient,
		Type:      TypeConsultation,
		StartTime: start,
		EndTime:   end,
	}
}

func (f *fixture) seed(status Status, start, end time.Time) Appointment {
	a := Appointment{
		ID:        uuid.New(),
		ClinicID:  f.clinic,
		DoctorID:  f.doctor,
		PatientID: f.patient,
		Type:      TypeConsultation,
		StartTime: start,
		EndTime:   end,
		Status:    status,
		Version:   1,
		CreatedAt: f.now,
		UpdatedAt: f.now,
		CreatedBy: "seed",
		UpdatedBy: "seed",
	}
	f.repo.put(a)
	return a
}
