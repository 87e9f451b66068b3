package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/metrics"
)

type entryStore interface {
	ClaimPending(ctx context.Context, limit int32, maxAttempts int, lease time.Duration) ([]Entry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAfter time.Duration) error
}

// Deliverer polls the outbox and fans each entry out to its sinks. An entry
// is acknowledged only after every sink accepted it, so delivery is
// at-least-once per sink. Failed entries back off exponentially and are
// parked once they reach maxAttempts, so a poison entry never holds up the
// ones behind it.
type Deliverer struct {
	store       entryStore
	sinks       []Sink
	logger      zerolog.Logger
	metrics     *metrics.Scheduling
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	lease       time.Duration
	maxBackoff  time.Duration
}

func NewDeliverer(store entryStore, logger zerolog.Logger, m *metrics.Scheduling, sinks ...Sink) *Deliverer {
	return &Deliverer{
		store:     store,
		sinks:     sinks,
		logger:    logger.With().Str("component", "outbox").Logger(),
		metrics:   m,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 10,
		lease:       time.Minute,
		maxBackoff:  10 * time.Minute,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Start drains on every tick until ctx is done.
func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || len(d.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch and returns how many entries were acknowledged.
func (d *Deliverer) RunOnce(ctx context.Context) int {
	entries, err := d.store.ClaimPending(ctx, d.batchSize, d.maxAttempts, d.lease)
	if err != nil {
		d.logger.Error().Err(err).Msg("outbox claim failed")
		return 0
	}

	delivered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return delivered
		}
		if err := d.deliver(ctx, entry); err != nil {
			attempts := entry.Attempts + 1
			ev := d.logger.Warn()
			msg := "outbox delivery failed"
			if attempts >= d.maxAttempts {
				ev = d.logger.Error()
				msg = "outbox delivery abandoned"
				d.metrics.ObserveOutbox("all", "abandoned")
			}
			ev.Err(err).
				Str("event_id", entry.ID.String()).
				Str("event_type", entry.EventType).
				Int("attempts", attempts).
				Msg(msg)
			if markErr := d.store.MarkFailed(ctx, entry.ID, err, d.backoff(attempts)); markErr != nil {
				d.logger.Error().Err(markErr).Str("event_id", entry.ID.String()).Msg("failed to record outbox failure")
			}
			continue
		}

		ok, err := d.store.MarkDelivered(ctx, entry.ID)
		if err != nil {
			d.logger.Error().Err(err).Str("event_id", entry.ID.String()).Msg("failed to mark outbox delivered")
			continue
		}
		if ok {
			delivered++
			d.logger.Debug().Str("event_id", entry.ID.String()).Str("event_type", entry.EventType).Msg("outbox delivered")
		}
	}
	return delivered
}

func (d *Deliverer) deliver(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, entry); err != nil {
			d.metrics.ObserveOutbox(sink.Name(), "error")
			errs = append(errs, err)
			continue
		}
		d.metrics.ObserveOutbox(sink.Name(), "ok")
	}
	return errors.Join(errs...)
}

// backoff doubles from the poll interval per failed attempt, capped.
func (d *Deliverer) backoff(attempts int) time.Duration {
	wait := d.interval
	for i := 1; i < attempts && wait < d.maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, d.maxBackoff)
}
