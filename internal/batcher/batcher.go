// Package batcher implements the per-ring batch loop (C7): on a fixed
// cadence it drains up to a size-bounded slice from a ring buffer (C6) and
// ships it to the spatial-service client, invalidating the client handle
// on failure. The loop shape is lifted directly from
// original_source/server/src/gis.rs's gis_batch_loop, generalised from one
// ring (position) to all three record kinds.
package batcher

import (
	"context"
	"log"
	"time"

	"github.com/maniack/telemetry-ingest/internal/gisclient"
	"github.com/maniack/telemetry-ingest/internal/record"
	"github.com/maniack/telemetry-ingest/internal/ring"
)

// Config controls cadence and message-size bounds for one ring's batch
// loop. MaxItems is derived by the caller from
// max_message_size_bytes/sizeof(record), per spec.md §4.5.
type Config struct {
	RingName string
	Cadence  time.Duration
	MaxItems int
}

// RunAircraftId drains ring on Config's cadence and pushes batches through
// client.UpdateAircraftId until ctx is done.
func RunAircraftId(ctx context.Context, cfg Config, r *ring.Buffer[record.AircraftId], client gisclient.Client) {
	run(ctx, cfg, func() bool {
		batch := r.Drain(cfg.MaxItems)
		if len(batch) == 0 {
			return true
		}
		if err := client.UpdateAircraftId(ctx, batch); err != nil {
			log.Printf("batcher ring=%s outcome=failure items=%d err=%v", cfg.RingName, len(batch), err)
			client.Invalidate()
			return false
		}
		log.Printf("batcher ring=%s outcome=success items=%d", cfg.RingName, len(batch))
		return true
	})
}

// RunAircraftPosition is RunAircraftId's analogue for the position ring.
func RunAircraftPosition(ctx context.Context, cfg Config, r *ring.Buffer[record.AircraftPosition], client gisclient.Client) {
	run(ctx, cfg, func() bool {
		batch := r.Drain(cfg.MaxItems)
		if len(batch) == 0 {
			return true
		}
		if err := client.UpdateAircraftPosition(ctx, batch); err != nil {
			log.Printf("batcher ring=%s outcome=failure items=%d err=%v", cfg.RingName, len(batch), err)
			client.Invalidate()
			return false
		}
		log.Printf("batcher ring=%s outcome=success items=%d", cfg.RingName, len(batch))
		return true
	})
}

// RunAircraftVelocity is RunAircraftId's analogue for the velocity ring.
func RunAircraftVelocity(ctx context.Context, cfg Config, r *ring.Buffer[record.AircraftVelocity], client gisclient.Client) {
	run(ctx, cfg, func() bool {
		batch := r.Drain(cfg.MaxItems)
		if len(batch) == 0 {
			return true
		}
		if err := client.UpdateAircraftVelocity(ctx, batch); err != nil {
			log.Printf("batcher ring=%s outcome=failure items=%d err=%v", cfg.RingName, len(batch), err)
			client.Invalidate()
			return false
		}
		log.Printf("batcher ring=%s outcome=success items=%d", cfg.RingName, len(batch))
		return true
	})
}

// run is the cadence loop shared by the three record-kind wrappers above:
// compute elapsed time since the last iteration, sleep the remainder of
// the cadence (or warn and proceed immediately if already over), then
// invoke tick. tick's return value is unused by the loop itself (the
// specification does not cancel the batcher on failure); it exists so
// callers of the *_test.go harness can observe outcomes deterministically.
func run(ctx context.Context, cfg Config, tick func() bool) {
	start := time.Now()
	for {
		elapsed := time.Since(start)
		if elapsed > cfg.Cadence {
			log.Printf("batcher ring=%s lag elapsed=%s cadence=%s", cfg.RingName, elapsed, cfg.Cadence)
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.Cadence - elapsed):
			}
		}
		start = time.Now()

		select {
		case <-ctx.Done():
			return
		default:
		}

		tick()
	}
}
