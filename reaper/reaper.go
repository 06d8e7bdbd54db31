// Package reaper sweeps overdue intents: any non-terminal intent whose
// deadline passed is marked EXPIRED together with its outstanding bids.
// The sweep is a safety net behind the auction controller's window
// timers, so every step tolerates already-expired records.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

// Config paces the sweep.
type Config struct {
	Interval   time.Duration
	BatchLimit int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, BatchLimit: 100}
}

// Reaper is the periodic expiry sweep.
type Reaper struct {
	cfg     Config
	logger  *log.Logger
	intents store.Intents
	bids    store.Bids
	cache   *bus.IntentCache
	bus     bus.Bus
	metrics *metrics.Set

	stop chan struct{}
	done chan struct{}
}

// New creates a Reaper. Start launches the sweep loop.
func New(cfg Config, intents store.Intents, bids store.Bids, cache *bus.IntentCache,
	msgBus bus.Bus, set *metrics.Set, logger *log.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		logger:  logger.Module("reaper"),
		intents: intents,
		bids:    bids,
		cache:   cache,
		bus:     msgBus,
		metrics: set,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := r.Sweep(context.Background())
				if err != nil {
					r.logger.Error("sweep failed", "err", err)
				} else if n > 0 {
					r.logger.Info("swept expired intents", "count", n)
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// Sweep expires one batch of overdue intents and returns how many it
// transitioned. Re-running over the same records is a no-op: terminal
// intents never match the scan, and a lost race on the status write is
// swallowed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	overdue, err := r.intents.FindExpired(ctx, time.Now(), r.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, in := range overdue {
		if err := r.intents.UpdateStatus(ctx, in.Hash, types.IntentStatusExpired); err != nil {
			// Someone else (window close, concurrent sweep) got there
			// first.
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return swept, err
		}
		if _, err := r.bids.MarkExpired(ctx, in.Hash); err != nil {
			r.logger.Error("expire bids", "intent", in.Hash.Hex(), "err", err)
		}
		r.cache.Evict(in.Hash)
		r.bus.Publish(types.ChanIntentStatus(in.Hash), types.IntentStatusMsg{
			IntentHash: in.Hash,
			Status:     types.IntentStatusExpired,
			UpdatedAt:  time.Now().UTC(),
		})
		r.metrics.IntentsReaped.Inc()
		swept++
	}
	return swept, nil
}
