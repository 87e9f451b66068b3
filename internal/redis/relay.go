package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/realtime"
)

type relayEnvelope struct {
	Scope realtime.Scope `json:"scope"`
	Event realtime.Event `json:"event"`
}

// Relay fans realtime events out across API instances through a Redis
// channel. Publish goes to Redis; Run forwards every message, including this
// instance's own, into the local publisher.
type Relay struct {
	client  *redis.Client
	channel string
	local   realtime.Publisher
	logger  zerolog.Logger

	ready      chan struct{}
	readyOnce  sync.Once
	subscribed atomic.Bool

	minBackoff time.Duration
	maxBackoff time.Duration
}

var errRelayClosed = errors.New("relay subscription closed")

func NewRelay(client *redis.Client, channel string, local realtime.Publisher, logger zerolog.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
		ready:   make(chan struct{}),

		minBackoff: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (r *Relay) Publish(ctx context.Context, scope realtime.Scope, ev realtime.Event) error {
	payload, err := json.Marshal(relayEnvelope{Scope: scope, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Check reports whether events published through Redis currently reach the
// local publisher.
func (r *Relay) Check(context.Context) error {
	if !r.subscribed.Load() {
		return fmt.Errorf("relay not subscribed to %s", r.channel)
	}
	return nil
}

// Start runs the relay until ctx is done, resubscribing with exponential
// backoff whenever the subscription fails.
func (r *Relay) Start(ctx context.Context) {
	wait := r.minBackoff
	for {
		subscribed, err := r.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			wait = r.minBackoff
		}
		r.logger.Error().Err(err).Str("channel", r.channel).Dur("retry_in", wait).Msg("realtime relay stopped, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, r.maxBackoff)
	}
}

// Ready is closed once Run has an active subscription.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks until ctx is done or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	_, err := r.run(ctx)
	return err
}

func (r *Relay) run(ctx context.Context) (subscribed bool, err error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errRelayClosed
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Str("channel", r.channel).Msg("dropping malformed relay message")
				continue
			}
			if err := r.local.Publish(ctx, env.Scope, env.Event); err != nil {
				r.logger.Warn().Err(err).Str("event_type", env.Event.Type).Msg("local relay delivery failed")
			}
		}
	}
}
