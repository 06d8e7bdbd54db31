// Package store provides the durable source of truth for intents and bids.
// The production implementation runs on Postgres through lib/pq; an
// in-memory implementation backs development mode and tests. Both satisfy
// the same interfaces, and the auction controller and admission pipeline
// depend only on those.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/types"
)

var (
	// ErrNotFound reports a lookup miss. Callers must not retry.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict reports a write lost to a concurrent writer or a
	// uniqueness violation. Callers must re-read, not retry.
	ErrConflict = errors.New("store: write conflict")
)

// ScoreRank carries one bid's recomputed score and rank for the batched
// update applied on every admission.
type ScoreRank struct {
	BidID string
	Score float64
	Rank  int
}

// Intents is the durable intent store (component C2).
type Intents interface {
	// Create persists a new intent, idempotently on its hash. When a
	// record with the same hash already exists it is returned unchanged
	// with existed == true.
	Create(ctx context.Context, in *types.Intent) (rec *types.Intent, existed bool, err error)

	// FindByHash returns the intent or ErrNotFound.
	FindByHash(ctx context.Context, hash common.Hash) (*types.Intent, error)

	// UpdateStatus transitions the intent's status. Terminal states are
	// never overwritten; such attempts return ErrConflict.
	UpdateStatus(ctx context.Context, hash common.Hash, status types.IntentStatus) error

	// UpdateBestBid pins the current leader and bid count.
	UpdateBestBid(ctx context.Context, hash common.Hash, bestBidID string, totalBids int) error

	// FindExpired returns up to limit non-terminal intents whose deadline
	// precedes now, ordered by expiry ascending.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*types.Intent, error)

	// Stats summarises the table for the stats surface.
	Stats(ctx context.Context) (*types.IntentStats, error)
}

// Bids is the durable bid store (component C3).
type Bids interface {
	// Admit atomically persists an accepted bid together with every side
	// effect of its admission: the superseded bid (if any) flips to LOST,
	// the full set of recomputed scores and ranks is applied, and the
	// owning intent's best bid and bid count are updated. All of it is one
	// transaction; a failure leaves no partial state.
	Admit(ctx context.Context, bid *types.Bid, supersededID string, ranks []ScoreRank, bestBidID string, totalBids int) error

	// FindByID returns the bid or ErrNotFound.
	FindByID(ctx context.Context, id string) (*types.Bid, error)

	// FindByIntent returns all bids for an intent ordered by score
	// descending, arrival ascending.
	FindByIntent(ctx context.Context, hash common.Hash) ([]*types.Bid, error)

	// UpdateStatus sets a single bid's status.
	UpdateStatus(ctx context.Context, id string, status types.BidStatus) error

	// FinalizeSelection atomically marks the winner WON and the given
	// losers LOST.
	FinalizeSelection(ctx context.Context, hash common.Hash, winnerID string, loserIDs []string) error

	// MarkExpired transitions every PENDING and ACCEPTED bid of the
	// intent to EXPIRED, returning the number of rows changed.
	MarkExpired(ctx context.Context, hash common.Hash) (int64, error)

	// BestAccepted returns the top ACCEPTED bid for an intent, or
	// ErrNotFound when none exists.
	BestAccepted(ctx context.Context, hash common.Hash) (*types.Bid, error)

	// SolverStats returns the solver's historical finished-auction record
	// (auctions won, auctions participated in) for the reputation input.
	SolverStats(ctx context.Context, solver common.Address) (wins, total int64, err error)
}
