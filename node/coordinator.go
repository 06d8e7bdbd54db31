// Package node assembles and runs the full auction coordinator: stores,
// cache, message bus, verifier, admission pipeline, auction controller,
// session hubs, reaper, and the HTTP front door.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/anythingai/intendly/api"
	"github.com/anythingai/intendly/auction"
	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/config"
	"github.com/anythingai/intendly/eip712"
	"github.com/anythingai/intendly/intake"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/reaper"
	"github.com/anythingai/intendly/session"
	"github.com/anythingai/intendly/store"
)

// shutdownGrace bounds the HTTP server drain on Stop.
const shutdownGrace = 10 * time.Second

// Coordinator is the top-level process that manages all subsystems.
type Coordinator struct {
	cfg    config.Config
	logger *log.Logger

	// Subsystems.
	db         *sql.DB
	metrics    *metrics.Set
	bus        *bus.InProcBus
	cache      *bus.IntentCache
	verifier   *eip712.Verifier
	intents    store.Intents
	bids       store.Bids
	controller *auction.Controller
	pipeline   *intake.Pipeline
	issuer     *session.TokenIssuer
	solverHub  *session.SolverHub
	subHub     *session.SubscriberHub
	reaper     *reaper.Reaper
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// New builds a Coordinator from validated configuration. It wires all
// subsystems but starts no network services.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger.Module("node"),
		metrics: metrics.NewSet(),
		stopped: make(chan struct{}),
	}

	c.bus = bus.NewInProc(logger)
	c.cache = bus.NewIntentCache(cfg.Cache.MaxEntries)
	c.verifier = eip712.NewVerifier(cfg.Chain.ChainID, cfg.Chain.SettlementAddress())

	// An empty database URL selects the in-memory stores; anything else
	// is Postgres with migrations applied on boot.
	if cfg.Database.URL == "" {
		c.logger.Warn("no database configured, using in-memory stores")
		memIntents := store.NewMemoryIntents()
		c.intents = memIntents
		c.bids = store.NewMemoryBids(memIntents)
	} else {
		db, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := store.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		c.db = db
		c.intents = store.NewPostgresIntents(db, logger)
		c.bids = store.NewPostgresBids(db, logger)
	}

	issuer, err := session.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL())
	if err != nil {
		if c.db != nil {
			c.db.Close()
		}
		return nil, fmt.Errorf("auth setup: %w", err)
	}
	c.issuer = issuer

	c.controller = auction.New(auction.Config{
		Window:          cfg.Auction.Window(),
		MaxSolverFeeBps: cfg.Auction.MaxSolverFeeBps,
		MinBidCount:     cfg.Auction.MinBidCount,
		Weights: auction.Weights{
			Out:   cfg.Auction.Weights.Out,
			Fee:   cfg.Auction.Weights.Fee,
			Speed: cfg.Auction.Weights.Speed,
			Rep:   cfg.Auction.Weights.Rep,
		},
	}, c.verifier, c.intents, c.bids, c.cache, c.bus, c.metrics, logger)

	c.pipeline = intake.New(c.verifier, c.intents, c.cache, c.bus, c.controller,
		c.metrics, cfg.Auction.Window(), logger)

	hubCfg := session.HubConfig{
		HeartbeatInterval: cfg.WS.HeartbeatInterval(),
		ConnectionTimeout: cfg.WS.ConnectionTimeout(),
		OutboundQueue:     cfg.WS.OutboundQueue,
		MaxSessions:       cfg.WS.MaxSessions,
	}
	c.solverHub = session.NewSolverHub(hubCfg, issuer, c.bus, c.metrics, logger)
	c.subHub = session.NewSubscriberHub(hubCfg, issuer, c.bus, c.metrics, logger)

	c.reaper = reaper.New(reaper.Config{
		Interval:   cfg.Reaper.Interval(),
		BatchLimit: cfg.Reaper.BatchLimit,
	}, c.intents, c.bids, c.cache, c.bus, c.metrics, logger)

	apiCfg := api.Config{
		RateLimitMax:    cfg.RateLimit.Max,
		RateLimitWindow: cfg.RateLimit.Window(),
		SessionCounts: func() (int, int) {
			return c.solverHub.SessionCount(), c.subHub.SessionCount()
		},
	}
	if c.db != nil {
		apiCfg.Probe = c.db.PingContext
	}
	apiServer := api.NewServer(apiCfg, c.pipeline, c.controller, c.intents, c.bids, issuer, c.metrics, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws/solver", c.solverHub)
	mux.Handle("/ws/subscribe", c.subHub)
	mux.Handle("/", apiServer.Handler())
	c.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return c, nil
}

// Start launches all subsystems in order.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("coordinator already running")
	}

	c.solverHub.Start()
	c.reaper.Start()

	go func() {
		c.logger.Info("http server listening", "addr", c.cfg.Server.Addr())
		if err := c.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server failed", "err", err)
		}
	}()

	c.running = true
	c.logger.Info("coordinator started",
		"chainId", c.cfg.Chain.ChainID,
		"windowMs", c.cfg.Auction.BiddingWindowMs,
		"database", c.cfg.Database.URL != "")
	return nil
}

// Stop shuts subsystems down in reverse order: no new HTTP work, then
// sessions, timers, sweeps, and finally storage.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := c.httpServer.Shutdown(ctx); err != nil {
		c.logger.Warn("http shutdown incomplete", "err", err)
	}

	c.subHub.Stop()
	c.solverHub.Stop()
	c.reaper.Stop()
	c.controller.Stop()
	c.bus.Close()

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("database close failed", "err", err)
		}
	}

	c.running = false
	close(c.stopped)
	c.logger.Info("coordinator stopped")
	return nil
}

// Wait blocks until Stop completes.
func (c *Coordinator) Wait() {
	<-c.stopped
}

// Running reports whether the coordinator is live.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
