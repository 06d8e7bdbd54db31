// Package auction implements the per-intent auction state machine: bid
// admission, live scoring and ranking, window timing, and winner
// selection. A Controller exclusively owns the in-memory state of every
// auction in progress; all bid mutations for an intent flow through its
// per-intent lock, while different intents proceed in parallel.
package auction

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/eip712"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

// Recurring admission failures, matchable with errors.Is. Each is wrapped
// in a classified error so the HTTP boundary still maps it by kind.
var (
	ErrUnknownIntent       = errors.New("auction: unknown intent")
	ErrIntentClosed        = errors.New("auction: bidding window closed")
	ErrIntentExpired       = errors.New("auction: intent expired")
	ErrNoPendingSettlement = errors.New("auction: no settlement pending")
)

// Config governs admission checks and winner selection.
type Config struct {
	Window          time.Duration
	MaxSolverFeeBps uint16
	MinBidCount     int
	Weights         Weights
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:          3 * time.Second,
		MaxSolverFeeBps: 30,
		MinBidCount:     1,
		Weights:         DefaultWeights(),
	}
}

// Controller runs all in-progress auctions.
type Controller struct {
	cfg      Config
	logger   *log.Logger
	verifier *eip712.Verifier
	intents  store.Intents
	bids     store.Bids
	cache    *bus.IntentCache
	bus      bus.Bus
	metrics  *metrics.Set

	mu       sync.Mutex
	auctions map[common.Hash]*auctionState
	stopped  bool

	seq atomic.Uint64 // admission ordinal, the final tie-break
}

// bidEntry pairs an admitted bid with its admission ordinal.
type bidEntry struct {
	bid     *types.Bid
	ordinal uint64
}

// auctionState is the controller-owned hot state of one auction. Its
// mutex is the intent's serialization point.
type auctionState struct {
	mu       sync.Mutex
	hash     common.Hash
	openedAt time.Time
	closesAt time.Time
	timer    *time.Timer
	closed   bool
	entries  []*bidEntry
	bestID   string
	reps     map[common.Address]float64 // reputation memo for this auction
}

// New creates a Controller.
func New(cfg Config, verifier *eip712.Verifier, intents store.Intents, bids store.Bids,
	cache *bus.IntentCache, msgBus bus.Bus, set *metrics.Set, logger *log.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		logger:   logger.Module("auction"),
		verifier: verifier,
		intents:  intents,
		bids:     bids,
		cache:    cache,
		bus:      msgBus,
		metrics:  set,
		auctions: make(map[common.Hash]*auctionState),
	}
}

// Open registers an auction for a freshly admitted intent and arms its
// window timer. The window never outlives the intent's deadline.
func (c *Controller) Open(in *types.Intent) {
	now := time.Now()
	closesAt := now.Add(c.cfg.Window)
	if in.ExpiresAt.Before(closesAt) {
		closesAt = in.ExpiresAt
	}

	st := &auctionState{
		hash:     in.Hash,
		openedAt: now,
		closesAt: closesAt,
		reps:     make(map[common.Address]float64),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.auctions[in.Hash] = st
	c.mu.Unlock()

	st.mu.Lock()
	st.timer = time.AfterFunc(time.Until(closesAt), func() { c.closeAuction(in.Hash) })
	st.mu.Unlock()
	c.metrics.OpenAuctions.Inc()
	c.logger.Debug("auction opened", "intent", in.Hash.Hex(), "closesAt", closesAt)
}

// WindowClosesAt reports when the intent's window ends, if an auction is
// live.
func (c *Controller) WindowClosesAt(hash common.Hash) (time.Time, bool) {
	c.mu.Lock()
	st, ok := c.auctions[hash]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return time.Time{}, false
	}
	return st.closesAt, true
}

// SubmitBid validates, scores, and persists a solver's bid.
func (c *Controller) SubmitBid(ctx context.Context, sub *types.BidSubmission) (*types.BidReceipt, error) {
	started := time.Now()
	receipt, err := c.submitBid(ctx, sub)
	if err != nil {
		c.metrics.BidsRejected.WithLabelValues(types.KindOf(err).String()).Inc()
		return nil, err
	}
	c.metrics.BidsAccepted.Inc()
	c.metrics.BidAdmitLatency.Observe(time.Since(started).Seconds())
	return receipt, nil
}

func (c *Controller) submitBid(ctx context.Context, sub *types.BidSubmission) (*types.BidReceipt, error) {
	if err := c.validateSubmission(sub); err != nil {
		return nil, err
	}

	in, err := c.lookupIntent(ctx, sub.IntentHash)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !in.Status.Accepting() {
		return nil, types.WrapError(types.KindStateConflict, ErrIntentClosed, "intent %s is not accepting bids (status %s)", in.Hash.Hex(), in.Status)
	}
	if in.Expired(now) {
		return nil, types.WrapError(types.KindStateConflict, ErrIntentExpired, "intent %s", in.Hash.Hex())
	}

	// Solver identity comes from the signature alone.
	solver, err := c.verifier.VerifyBid(sub)
	if err != nil {
		c.logger.Warn("bid signature rejected", "intent", sub.IntentHash.Hex(), "err", err)
		return nil, types.WrapError(types.KindInvalidSignature, err, "bid signature verification failed")
	}

	c.mu.Lock()
	st, ok := c.auctions[sub.IntentHash]
	c.mu.Unlock()
	if !ok {
		return nil, types.WrapError(types.KindStateConflict, ErrIntentClosed, "bidding window for intent %s is closed", sub.IntentHash.Hex())
	}

	// Reputation read-through happens before taking the auction lock so
	// the lock is never held across a store read that can be avoided.
	c.solverReputation(ctx, st, solver)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, types.WrapError(types.KindStateConflict, ErrIntentClosed, "bidding window for intent %s is closed", sub.IntentHash.Hex())
	}

	bid := &types.Bid{
		ID:           uuid.NewString(),
		IntentHash:   sub.IntentHash,
		SolverID:     solver,
		QuoteOut:     sub.QuoteOut.Clone(),
		SolverFeeBps: sub.SolverFeeBps,
		CalldataHint: sub.CalldataHint,
		TTLMs:        sub.TTLMs,
		Signature:    sub.Signature,
		ArrivedAt:    time.Now(),
		Status:       types.BidStatusAccepted,
	}
	entry := &bidEntry{bid: bid, ordinal: c.seq.Add(1)}

	// Single-solver rule: a newer bid supersedes the solver's prior
	// accepted bid atomically.
	var superseded *types.Bid
	for _, e := range st.entries {
		if e.bid.SolverID == solver && e.bid.Status == types.BidStatusAccepted {
			superseded = e.bid
			break
		}
	}
	if superseded != nil {
		superseded.Status = types.BidStatusLost
	}
	st.entries = append(st.entries, entry)

	ranks := c.rescore(st)
	totalBids := len(st.entries)
	bestID := st.leadingID()
	supersededID := ""
	if superseded != nil {
		supersededID = superseded.ID
	}

	if err := c.bids.Admit(ctx, bid, supersededID, ranks, bestID, totalBids); err != nil {
		// Nothing was persisted; revert the in-memory admission.
		st.entries = st.entries[:len(st.entries)-1]
		if superseded != nil {
			superseded.Status = types.BidStatusAccepted
		}
		c.rescore(st)
		return nil, types.WrapError(types.KindStorageUnavailable, err, "persist bid")
	}
	if superseded != nil {
		c.metrics.BidsSuperseded.Inc()
	}

	// First accepted bid moves the intent from BROADCASTING to BIDDING.
	if in.Status == types.IntentStatusBroadcasting {
		if err := c.intents.UpdateStatus(ctx, in.Hash, types.IntentStatusBidding); err != nil {
			c.logger.Error("transition to BIDDING failed", "intent", in.Hash.Hex(), "err", err)
		} else {
			in.Status = types.IntentStatusBidding
			c.bus.Publish(types.ChanIntentStatus(in.Hash), types.IntentStatusMsg{
				IntentHash: in.Hash, Status: in.Status, UpdatedAt: time.Now().UTC(),
			})
		}
	}

	in.BestBidID = bestID
	in.TotalBids = totalBids
	c.cache.Put(in)

	// Published before releasing the auction lock: bus sends never block,
	// and holding the lock keeps rank updates in persist order.
	newBest := bestID != st.bestID
	st.bestID = bestID
	c.bus.Publish(types.ChanBidUpdate(in.Hash), types.BidUpdateMsg{
		IntentHash:   in.Hash,
		BidID:        bid.ID,
		SolverID:     solver,
		Rank:         bid.Rank,
		Score:        bid.Score,
		QuoteOut:     bid.QuoteOut,
		SolverFeeBps: bid.SolverFeeBps,
		TotalBids:    totalBids,
		Best:         newBest && bestID == bid.ID,
	})

	return &types.BidReceipt{Accepted: true, BidID: bid.ID, Rank: bid.Rank, Score: bid.Score}, nil
}

// validateSubmission applies the structural checks of bid admission.
func (c *Controller) validateSubmission(sub *types.BidSubmission) error {
	if sub.IntentHash == (common.Hash{}) {
		return types.FieldError("intentHash", "must not be zero")
	}
	if sub.QuoteOut == nil || sub.QuoteOut.IsZero() {
		return types.FieldError("quoteOut", "must be > 0")
	}
	if sub.SolverFeeBps > c.cfg.MaxSolverFeeBps {
		return types.FieldError("solverFeeBps", "exceeds cap of %d bps", c.cfg.MaxSolverFeeBps)
	}
	if sub.TTLMs < types.MinBidTTLMs || sub.TTLMs > types.MaxBidTTLMs {
		return types.FieldError("ttlMs", "must be within [%d, %d]", types.MinBidTTLMs, types.MaxBidTTLMs)
	}
	if len(sub.CalldataHint) < 5 {
		return types.FieldError("calldataHint", "must be at least 5 bytes")
	}
	if len(sub.Signature) != eip712.SignatureLength {
		return types.FieldError("solverSig", "must be %d bytes", eip712.SignatureLength)
	}
	return nil
}

// lookupIntent reads through the cache to the store.
func (c *Controller) lookupIntent(ctx context.Context, hash common.Hash) (*types.Intent, error) {
	if in, ok := c.cache.Get(hash); ok {
		return in, nil
	}
	in, err := c.intents.FindByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.WrapError(types.KindNotFound, ErrUnknownIntent, "intent %s", hash.Hex())
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "intent lookup")
	}
	return in, nil
}

// solverReputation reads the solver's historical win rate through a
// per-auction memo. Unknown solvers default to 0.5.
func (c *Controller) solverReputation(ctx context.Context, st *auctionState, solver common.Address) float64 {
	st.mu.Lock()
	if v, ok := st.reps[solver]; ok {
		st.mu.Unlock()
		return v
	}
	st.mu.Unlock()

	rep := 0.5
	wins, total, err := c.bids.SolverStats(ctx, solver)
	if err != nil {
		c.logger.Warn("reputation lookup failed, using default", "solver", solver.Hex(), "err", err)
	} else if total > 0 {
		rep = clamp01(float64(wins) / float64(total))
	}

	st.mu.Lock()
	st.reps[solver] = rep
	st.mu.Unlock()
	return rep
}

// rescore recomputes every accepted bid's score against the current
// maximum quote, re-sorts, and assigns ranks. Called with st.mu held.
// Returns the full score/rank set for the transactional store write.
func (c *Controller) rescore(st *auctionState) []store.ScoreRank {
	accepted := st.acceptedEntries()
	if len(accepted) == 0 {
		return nil
	}

	var maxQuote *types.U256
	for _, e := range accepted {
		if maxQuote == nil || e.bid.QuoteOut.Gt(&maxQuote.Int) {
			maxQuote = e.bid.QuoteOut
		}
	}

	windowMs := float64(st.closesAt.Sub(st.openedAt).Milliseconds())
	for _, e := range accepted {
		arrivedMs := float64(e.bid.ArrivedAt.Sub(st.openedAt).Milliseconds())
		rep := st.reps[e.bid.SolverID]
		e.bid.Score = scoreBid(c.cfg.Weights, e.bid.QuoteOut, maxQuote,
			e.bid.SolverFeeBps, c.cfg.MaxSolverFeeBps, arrivedMs, windowMs, rep)
	}

	sortEntries(accepted)
	ranks := make([]store.ScoreRank, len(accepted))
	for i, e := range accepted {
		e.bid.Rank = i + 1
		ranks[i] = store.ScoreRank{BidID: e.bid.ID, Score: e.bid.Score, Rank: e.bid.Rank}
	}
	return ranks
}

// acceptedEntries returns the live accepted subset. Called with st.mu
// held.
func (st *auctionState) acceptedEntries() []*bidEntry {
	out := make([]*bidEntry, 0, len(st.entries))
	for _, e := range st.entries {
		if e.bid.Status == types.BidStatusAccepted {
			out = append(out, e)
		}
	}
	return out
}

// leadingID returns the current best accepted bid id. Called with st.mu
// held, after rescore.
func (st *auctionState) leadingID() string {
	accepted := st.acceptedEntries()
	if len(accepted) == 0 {
		return ""
	}
	sortEntries(accepted)
	return accepted[0].bid.ID
}

// sortEntries orders by score descending, arrival ascending, admission
// ordinal ascending. The three keys make the order total, which keeps
// winner selection deterministic.
func sortEntries(entries []*bidEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.bid.Score != b.bid.Score {
			return a.bid.Score > b.bid.Score
		}
		if !a.bid.ArrivedAt.Equal(b.bid.ArrivedAt) {
			return a.bid.ArrivedAt.Before(b.bid.ArrivedAt)
		}
		return a.ordinal < b.ordinal
	})
}

// closeAuction runs winner selection when the window elapses. A timer
// firing after the auction already closed is a no-op.
func (c *Controller) closeAuction(hash common.Hash) {
	c.mu.Lock()
	st, ok := c.auctions[hash]
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	if st.timer != nil {
		st.timer.Stop()
	}

	now := time.Now()
	accepted := st.acceptedEntries()

	// Accepted bids whose own TTL lapsed before the close are out of the
	// running.
	live := accepted[:0:0]
	for _, e := range accepted {
		if e.bid.Live(now) {
			live = append(live, e)
		} else {
			e.bid.Status = types.BidStatusExpired
			if err := c.bids.UpdateStatus(ctx, e.bid.ID, types.BidStatusExpired); err != nil {
				c.logger.Error("expire stale bid", "bid", e.bid.ID, "err", err)
			}
		}
	}
	sortEntries(live)

	var (
		winner  *types.Bid
		results []types.BidResultMsg
		status  types.IntentStatus
	)
	if len(live) >= c.cfg.MinBidCount && len(live) > 0 {
		winner = live[0].bid
		loserIDs := make([]string, 0, len(live)-1)
		for _, e := range live[1:] {
			e.bid.Status = types.BidStatusLost
			loserIDs = append(loserIDs, e.bid.ID)
		}
		if err := c.bids.FinalizeSelection(ctx, hash, winner.ID, loserIDs); err != nil {
			// The stores are the source of truth: a selection the store
			// never recorded must not reach the settler. Leave the intent
			// BIDDING for the reaper to sweep at its deadline.
			c.logger.Error("finalize selection", "intent", hash.Hex(), "err", err)
			for _, e := range live[1:] {
				e.bid.Status = types.BidStatusAccepted
			}
			winner = nil
			status = types.IntentStatusBidding
			c.cache.Evict(hash)
		} else {
			winner.Status = types.BidStatusWon
			// Re-pin the winner: the admission-time leader may have
			// dropped out via its own TTL.
			if winner.ID != st.bestID {
				if err := c.intents.UpdateBestBid(ctx, hash, winner.ID, len(st.entries)); err != nil {
					c.logger.Error("pin winning bid", "intent", hash.Hex(), "err", err)
				}
			}
			c.cache.Evict(hash)
			// Winner stays pinned; the intent remains BIDDING until the
			// settler confirms. The reaper sweeps it if that never happens.
			status = types.IntentStatusBidding
			for _, e := range live {
				results = append(results, types.BidResultMsg{
					IntentHash: hash, BidID: e.bid.ID, SolverID: e.bid.SolverID, Won: e.bid == winner,
				})
			}
			c.metrics.AuctionsSettled.Inc()
		}
	} else {
		for _, e := range live {
			e.bid.Status = types.BidStatusExpired
		}
		if _, err := c.bids.MarkExpired(ctx, hash); err != nil {
			c.logger.Error("expire bids", "intent", hash.Hex(), "err", err)
		}
		if err := c.intents.UpdateStatus(ctx, hash, types.IntentStatusExpired); err != nil && !errors.Is(err, store.ErrConflict) {
			c.logger.Error("expire intent", "intent", hash.Hex(), "err", err)
		}
		c.cache.Evict(hash)
		status = types.IntentStatusExpired
		c.metrics.AuctionsExpired.Inc()
	}
	st.mu.Unlock()

	// Publication happens after the lock is released; consumers are
	// idempotent and resync from the stores on reconnect.
	if winner != nil {
		c.bus.Publish(types.ChanBidSelection, types.BidSelectionMsg{
			IntentHash:   hash,
			BidID:        winner.ID,
			QuoteOut:     winner.QuoteOut,
			SolverFeeBps: winner.SolverFeeBps,
			CalldataHint: winner.CalldataHint,
			SolverID:     winner.SolverID,
			Timestamp:    time.Now().UTC(),
		})
		for _, r := range results {
			c.bus.Publish(types.ChanBidResults, r)
		}
		c.logger.Info("auction settled", "intent", hash.Hex(), "winner", winner.ID, "solver", winner.SolverID.Hex())
	} else if status == types.IntentStatusExpired {
		c.logger.Info("auction expired without settlement", "intent", hash.Hex())
	}
	if winner != nil || status == types.IntentStatusExpired {
		c.bus.Publish(types.ChanIntentStatus(hash), types.IntentStatusMsg{
			IntentHash: hash, Status: status, UpdatedAt: time.Now().UTC(),
		})
	}

	c.mu.Lock()
	delete(c.auctions, hash)
	c.mu.Unlock()
	c.metrics.OpenAuctions.Dec()
}

// ConfirmSettlement marks an intent FILLED once the winning solver
// reports the bid landed on-chain. Only the solver behind the pinned
// best bid may confirm.
func (c *Controller) ConfirmSettlement(ctx context.Context, hash common.Hash, settler common.Address) error {
	in, err := c.lookupIntent(ctx, hash)
	if err != nil {
		return err
	}
	if in.BestBidID == "" || in.Status != types.IntentStatusBidding {
		return types.WrapError(types.KindStateConflict, ErrNoPendingSettlement, "intent %s", hash.Hex())
	}
	best, err := c.bids.FindByID(ctx, in.BestBidID)
	if err != nil {
		return types.WrapError(types.KindStorageUnavailable, err, "winning bid lookup")
	}
	if best.SolverID != settler {
		return types.NewError(types.KindUnauthorized, "settlement for intent %s may only be confirmed by solver %s", hash.Hex(), best.SolverID.Hex())
	}
	if err := c.intents.UpdateStatus(ctx, hash, types.IntentStatusFilled); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.WrapError(types.KindStateConflict, err, "intent already terminal")
		}
		return types.WrapError(types.KindStorageUnavailable, err, "mark intent filled")
	}

	// The leader may settle before the window closes. Retire the live
	// auction so the close timer never selects over a filled intent.
	c.mu.Lock()
	st, open := c.auctions[hash]
	if open {
		delete(c.auctions, hash)
	}
	c.mu.Unlock()
	if open {
		st.mu.Lock()
		alreadyClosed := st.closed
		if !alreadyClosed {
			st.closed = true
			if st.timer != nil {
				st.timer.Stop()
			}
		}
		st.mu.Unlock()
		if !alreadyClosed {
			if err := c.bids.FinalizeSelection(ctx, hash, in.BestBidID, nil); err != nil {
				c.logger.Error("record settled winner", "intent", hash.Hex(), "err", err)
			}
			if _, err := c.bids.MarkExpired(ctx, hash); err != nil {
				c.logger.Error("expire outstanding bids", "intent", hash.Hex(), "err", err)
			}
			c.metrics.OpenAuctions.Dec()
		}
	}

	c.cache.Evict(hash)
	c.bus.Publish(types.ChanIntentStatus(hash), types.IntentStatusMsg{
		IntentHash: hash, Status: types.IntentStatusFilled, UpdatedAt: time.Now().UTC(),
	})
	return nil
}

// OpenAuctions reports the number of live auctions.
func (c *Controller) OpenAuctions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.auctions)
}

// Stop cancels all window timers and refuses new auctions. In-flight
// closes finish on their own.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	states := make([]*auctionState, 0, len(c.auctions))
	for _, st := range c.auctions {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
	}
}
