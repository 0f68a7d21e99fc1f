// Package statsexport publishes auto-concurrency controller snapshots
// to external systems beyond the in-process Prometheus registry, for
// cross-instance dashboard aggregation in a multi-replica deployment.
// Export only: nothing here feeds back into any Controller's state, and
// nothing here is read back on restart -- export only, no persistence
// or distributed coordination.
package statsexport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/sinkforge/sinkgate/internal/resilience"
)

// Snapshot is the JSON document published to the Redis channel.
type Snapshot struct {
	TakenAt   time.Time      `json:"taken_at"`
	Observed  StatSummary    `json:"observed_rtt"`
	Averaged  StatSummary    `json:"averaged_rtt"`
	Limit     StatSummary    `json:"concurrency_limit"`
	InFlight  StatSummary    `json:"in_flight"`
	Current   CurrentMetrics `json:"current"`
}

// StatSummary mirrors the four queries every Distribution answers.
type StatSummary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Mode float64 `json:"mode"`
}

// CurrentMetrics carries the controller's instantaneous state,
// alongside the time-weighted distributions, for dashboards that want
// the "right now" value rather than a windowed summary.
type CurrentMetrics struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
}

// RedisPublisher periodically publishes a Snapshot of a Controller's
// statistics to a Redis pub/sub channel. The JSON encoding uses
// goccy/go-json, a faster drop-in codec used in place of encoding/json
// elsewhere in the module.
type RedisPublisher struct {
	client     redis.UniversalClient
	channel    string
	controller *resilience.Controller
	interval   time.Duration
	logger     *slog.Logger
}

// NewRedisPublisher builds a publisher. A non-positive interval
// defaults to 1s, keeping emission at least at 1 Hz.
func NewRedisPublisher(client redis.UniversalClient, channel string, controller *resilience.Controller, interval time.Duration, logger *slog.Logger) *RedisPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		controller: controller,
		interval:   interval,
		logger:     logger,
	}
}

// Run publishes snapshots every p.interval until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				p.logger.Warn("failed to publish auto-concurrency snapshot", "error", err)
			}
		}
	}
}

// PublishOnce encodes and publishes a single snapshot, returning any
// encode or transport error so tests can assert on it directly.
func (p *RedisPublisher) PublishOnce(ctx context.Context) error {
	stats := p.controller.Stats()
	snap := Snapshot{
		TakenAt:  time.Now().UTC(),
		Observed: summarize(stats.ObservedRTT),
		Averaged: summarize(stats.AveragedRTT),
		Limit:    summarize(stats.ConcurrencyLimit),
		InFlight: summarize(stats.InFlight),
		Current: CurrentMetrics{
			Limit:    p.controller.CurrentLimit(),
			InFlight: p.controller.InFlight(),
		},
	}

	payload, err := goccyjson.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func summarize(d *resilience.Distribution) StatSummary {
	if d.Empty() {
		return StatSummary{}
	}
	return StatSummary{
		Min:  d.Min(),
		Max:  d.Max(),
		Mean: d.Mean(),
		Mode: d.Mode(),
	}
}
