package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/db"
	"github.com/mosabry99/ClinicWave/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	RescheduleRatio float64
	DayOffset       int
}

type clinicData struct {
	ID       uuid.UUID
	Doctors  []uuid.UUID
	Rooms    []uuid.UUID
	Patients []uuid.UUID
}

type knownAppointment struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Version  int
	Allowed  []string
}

type DataPool struct {
	Clinics []clinicData

	mu           sync.RWMutex
	appointments map[uuid.UUID]knownAppointment
	ids          []uuid.UUID
}

func (dp *DataPool) Remember(a knownAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if _, ok := dp.appointments[a.ID]; !ok {
		dp.ids = append(dp.ids, a.ID)
	}
	dp.appointments[a.ID] = a
}

func (dp *DataPool) Random(rng *rand.Rand) (knownAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.ids) == 0 {
		return knownAppointment{}, false
	}
	return dp.appointments[dp.ids[rng.IntN(len(dp.ids))]], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking    OperationMetrics
	Transition OperationMetrics
	Reschedule OperationMetrics
	List       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	auth    func(req *http.Request, actor string)
	day     time.Time
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	var sc SimConfig

	cmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Drive concurrent bookings and transitions against the API, then verify no double booking",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), sc)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sc.APIBaseURL, "api", "http://localhost:8080", "API base URL")
	f.DurationVar(&sc.Duration, "duration", 30*time.Second, "How long to run")
	f.IntVar(&sc.Workers, "workers", 16, "Concurrent workers")
	f.Float64Var(&sc.BookingRatio, "booking-ratio", 0.5, "Share of operations that book")
	f.Float64Var(&sc.TransitionRatio, "transition-ratio", 0.25, "Share of operations that change status")
	f.Float64Var(&sc.RescheduleRatio, "reschedule-ratio", 0.1, "Share of operations that reschedule; the rest list")
	f.IntVar(&sc.DayOffset, "day-offset", 1, "Book on this many days from today")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, sc SimConfig) error {
	if sc.Workers <= 0 || sc.Duration <= 0 {
		return fmt.Errorf("workers and duration must be positive")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "simulate").Logger()

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(loadCtx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(loadCtx, pgPool)
	if err != nil {
		return fmt.Errorf("load data pool: %w", err)
	}
	logger.Info().Int("clinics", len(dataPool.Clinics)).Msg("reference data loaded")

	sim := &Simulator{
		config: sc,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		auth:   authenticator(cfg.AuthJWTSecret),
		day:    time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, sc.DayOffset),
		logger: logger,
	}

	sim.Run(ctx)
	sim.PrintReport()

	overlaps, err := countOverlaps(ctx, pgPool)
	if err != nil {
		return fmt.Errorf("invariant check: %w", err)
	}
	if overlaps > 0 {
		logger.Error().Int("overlapping_pairs", overlaps).Msg("double booking detected")
		return fmt.Errorf("%d overlapping blocking appointment pairs", overlaps)
	}
	logger.Info().Msg("invariant holds: no overlapping blocking appointments")
	return nil
}

// authenticator signs a short-lived HS256 token per actor when the API
// requires one, and falls back to X-Actor-ID otherwise.
func authenticator(secret string) func(req *http.Request, actor string) {
	if secret == "" {
		return func(req *http.Request, actor string) { req.Header.Set("X-Actor-ID", actor) }
	}
	return func(req *http.Request, actor string) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   actor,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		})
		signed, err := tok.SignedString([]byte(secret))
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+signed)
		}
	}
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{appointments: make(map[uuid.UUID]knownAppointment)}

	rows, err := pool.Query(ctx, `SELECT id FROM clinics WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load clinics: %w", err)
	}
	var clinicIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		clinicIDs = append(clinicIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range clinicIDs {
		c := clinicData{ID: id}
		for table, dst := range map[string]*[]uuid.UUID{"doctors": &c.Doctors, "rooms": &c.Rooms, "patients": &c.Patients} {
			ids, err := loadIDs(ctx, pool, table, id)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", table, err)
			}
			*dst = ids
		}
		if len(c.Doctors) > 0 && len(c.Patients) > 0 {
			dp.Clinics = append(dp.Clinics, c)
		}
	}

	if len(dp.Clinics) == 0 {
		return nil, fmt.Errorf("no clinic with doctors and patients, run cmd/seed first")
	}
	return dp, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, table string, clinicID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM `+table+` WHERE clinic_id = $1 AND active LIMIT 2000`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const overlapQuery = `
	SELECT count(*)
	FROM appointments a
	JOIN appointments b
	  ON a.clinic_id = b.clinic_id
	 AND a.id < b.id
	 AND (a.doctor_id = b.doctor_id OR (a.room_id IS NOT NULL AND a.room_id = b.room_id))
	 AND a.start_time < b.end_time
	 AND b.start_time < a.end_time
	WHERE a.status NOT IN ('CANCELLED', 'NO_SHOW')
	  AND b.status NOT IN ('CANCELLED', 'NO_SHOW')
`

func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, overlapQuery).Scan(&n)
	return n, err
}

func (s *Simulator) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Time("day", s.day).
		Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))
	actor := fmt.Sprintf("sim-worker-%d", workerID)

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng, actor)
		case r < s.config.BookingRatio+s.config.TransitionRatio:
			s.doTransition(ctx, rng, actor)
		case r < s.config.BookingRatio+s.config.TransitionRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng, actor)
		default:
			s.doList(ctx, rng)
		}
	}
}

// window picks a 15 to 45 minute slot on a 15 minute grid between 09:00
// and 17:00, so workers collide often.
func (s *Simulator) window(rng *rand.Rand) (time.Time, time.Time) {
	start := s.day.Add(9*time.Hour + time.Duration(rng.IntN(30))*15*time.Minute)
	return start, start.Add(time.Duration(1+rng.IntN(3)) * 15 * time.Minute)
}

type apptResponse struct {
	ID                 uuid.UUID `json:"id"`
	ClinicID           uuid.UUID `json:"clinic_id"`
	Version            int       `json:"version"`
	AllowedTransitions []string  `json:"allowed_transitions"`
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, actor string) {
	c := s.pool.Clinics[rng.IntN(len(s.pool.Clinics))]
	start, end := s.window(rng)

	body := map[string]any{
		"clinic_id":  c.ID,
		"doctor_id":  c.Doctors[rng.IntN(len(c.Doctors))],
		"patient_id": c.Patients[rng.IntN(len(c.Patients))],
		"type":       []string{"consultation", "follow_up", "procedure", "check_up"}[rng.IntN(4)],
		"start_time": start,
		"end_time":   end,
	}
	if len(c.Rooms) > 0 && rng.IntN(2) == 0 {
		body["room_id"] = c.Rooms[rng.IntN(len(c.Rooms))]
	}

	status, resp := s.send(ctx, http.MethodPost, "/appointments", body, actor)
	s.metrics.Booking.Record(status.latency, status.code)
	if resp != nil {
		s.pool.Remember(knownAppointment{ID: resp.ID, ClinicID: resp.ClinicID, Version: resp.Version, Allowed: resp.AllowedTransitions})
	}
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand, actor string) {
	a, ok := s.pool.Random(rng)
	if !ok || len(a.Allowed) == 0 {
		return
	}
	// RESCHEDULED is reached through the reschedule endpoint in practice.
	target := a.Allowed[rng.IntN(len(a.Allowed))]
	if target == "RESCHEDULED" {
		return
	}

	body := map[string]any{"status": target, "version": a.Version}
	status, resp := s.send(ctx, http.MethodPost, "/appointments/"+a.ID.String()+"/transitions", body, actor)
	s.metrics.Transition.Record(status.latency, status.code)
	if resp != nil {
		s.pool.Remember(knownAppointment{ID: resp.ID, ClinicID: resp.ClinicID, Version: resp.Version, Allowed: resp.AllowedTransitions})
	}
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand, actor string) {
	a, ok := s.pool.Random(rng)
	if !ok {
		return
	}
	start, end := s.window(rng)

	body := map[string]any{"start_time": start, "end_time": end}
	status, resp := s.send(ctx, http.MethodPost, "/appointments/"+a.ID.String()+"/reschedule", body, actor)
	s.metrics.Reschedule.Record(status.latency, status.code)
	if resp != nil {
		s.pool.Remember(knownAppointment{ID: resp.ID, ClinicID: resp.ClinicID, Version: resp.Version, Allowed: resp.AllowedTransitions})
	}
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	c := s.pool.Clinics[rng.IntN(len(s.pool.Clinics))]
	path := fmt.Sprintf("/clinics/%s/appointments?doctor_id=%s&from=%s&to=%s&limit=100",
		c.ID, c.Doctors[rng.IntN(len(c.Doctors))],
		s.day.Format(time.RFC3339), s.day.Add(24*time.Hour).Format(time.RFC3339))

	status, _ := s.send(ctx, http.MethodGet, path, nil, "")
	s.metrics.List.Record(status.latency, status.code)
}

type callStatus struct {
	code    int
	latency time.Duration
}

// send returns the decoded appointment for 200/201 responses that carry one.
func (s *Simulator) send(ctx context.Context, method, path string, body any, actor string) (callStatus, *apptResponse) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return callStatus{}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		s.auth(req, actor)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return callStatus{latency: latency}, nil
	}
	defer resp.Body.Close()

	st := callStatus{code: resp.StatusCode, latency: latency}
	if method == http.MethodGet || (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated) {
		return st, nil
	}
	var out apptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == uuid.Nil {
		return st, nil
	}
	return st, &out
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Transition", &s.metrics.Transition)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("List", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}
