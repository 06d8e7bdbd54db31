package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/types"
)

// MemoryIntents is the in-memory Intents implementation used in
// development mode and tests.
type MemoryIntents struct {
	mu      sync.RWMutex
	records map[common.Hash]*types.Intent
}

// NewMemoryIntents creates an empty in-memory intent store.
func NewMemoryIntents() *MemoryIntents {
	return &MemoryIntents{records: make(map[common.Hash]*types.Intent)}
}

// Create implements Intents.
func (s *MemoryIntents) Create(_ context.Context, in *types.Intent) (*types.Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[in.Hash]; ok {
		return copyIntent(existing), true, nil
	}
	s.records[in.Hash] = copyIntent(in)
	return copyIntent(in), false, nil
}

// FindByHash implements Intents.
func (s *MemoryIntents) FindByHash(_ context.Context, hash common.Hash) (*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIntent(rec), nil
}

// UpdateStatus implements Intents.
func (s *MemoryIntents) UpdateStatus(_ context.Context, hash common.Hash, status types.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: intent %s already terminal", ErrConflict, hash.Hex())
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateBestBid implements Intents.
func (s *MemoryIntents) UpdateBestBid(_ context.Context, hash common.Hash, bestBidID string, totalBids int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return ErrNotFound
	}
	rec.BestBidID = bestBidID
	rec.TotalBids = totalBids
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// FindExpired implements Intents.
func (s *MemoryIntents) FindExpired(_ context.Context, now time.Time, limit int) ([]*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Intent
	for _, rec := range s.records {
		if rec.ExpiresAt.Before(now) && !rec.Status.Terminal() {
			out = append(out, copyIntent(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements Intents.
func (s *MemoryIntents) Stats(_ context.Context) (*types.IntentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &types.IntentStats{ByStatus: make(map[types.IntentStatus]int64)}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, rec := range s.records {
		stats.Total++
		stats.ByStatus[rec.Status]++
		if rec.CreatedAt.After(cutoff) {
			stats.Last24h++
		}
	}
	return stats, nil
}

func copyIntent(in *types.Intent) *types.Intent {
	return in.Clone()
}

// MemoryBids is the in-memory Bids implementation.
type MemoryBids struct {
	mu      sync.RWMutex
	records map[string]*types.Bid
	intents *MemoryIntents // for the transactional intent-side update
}

// NewMemoryBids creates an empty in-memory bid store bound to its intent
// store, mirroring the cross-table transaction of the Postgres version.
func NewMemoryBids(intents *MemoryIntents) *MemoryBids {
	return &MemoryBids{records: make(map[string]*types.Bid), intents: intents}
}

// Admit implements Bids.
func (s *MemoryBids) Admit(ctx context.Context, bid *types.Bid, supersededID string, ranks []ScoreRank, bestBidID string, totalBids int) error {
	s.mu.Lock()
	if _, ok := s.records[bid.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: bid %s exists", ErrConflict, bid.ID)
	}
	s.records[bid.ID] = copyBid(bid)
	if supersededID != "" {
		if prior, ok := s.records[supersededID]; ok && prior.Status == types.BidStatusAccepted {
			prior.Status = types.BidStatusLost
		}
	}
	for _, r := range ranks {
		if rec, ok := s.records[r.BidID]; ok {
			rec.Score = r.Score
			rec.Rank = r.Rank
		}
	}
	s.mu.Unlock()

	if s.intents == nil {
		return nil
	}
	return s.intents.UpdateBestBid(ctx, bid.IntentHash, bestBidID, totalBids)
}

// FindByID implements Bids.
func (s *MemoryBids) FindByID(_ context.Context, id string) (*types.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBid(rec), nil
}

// FindByIntent implements Bids.
func (s *MemoryBids) FindByIntent(_ context.Context, hash common.Hash) ([]*types.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Bid
	for _, rec := range s.records {
		if rec.IntentHash == hash {
			out = append(out, copyBid(rec))
		}
	}
	sortBids(out)
	return out, nil
}

// UpdateStatus implements Bids.
func (s *MemoryBids) UpdateStatus(_ context.Context, id string, status types.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

// FinalizeSelection implements Bids.
func (s *MemoryBids) FinalizeSelection(_ context.Context, hash common.Hash, winnerID string, loserIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	winner, ok := s.records[winnerID]
	if !ok || winner.IntentHash != hash || winner.Status != types.BidStatusAccepted {
		return fmt.Errorf("%w: winner %s not in ACCEPTED state", ErrConflict, winnerID)
	}
	winner.Status = types.BidStatusWon
	for _, id := range loserIDs {
		if rec, ok := s.records[id]; ok && rec.Status == types.BidStatusAccepted {
			rec.Status = types.BidStatusLost
		}
	}
	return nil
}

// MarkExpired implements Bids.
func (s *MemoryBids) MarkExpired(_ context.Context, hash common.Hash) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.IntentHash == hash &&
			(rec.Status == types.BidStatusPending || rec.Status == types.BidStatusAccepted) {
			rec.Status = types.BidStatusExpired
			n++
		}
	}
	return n, nil
}

// BestAccepted implements Bids.
func (s *MemoryBids) BestAccepted(_ context.Context, hash common.Hash) (*types.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Bid
	for _, rec := range s.records {
		if rec.IntentHash == hash && rec.Status == types.BidStatusAccepted {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sortBids(out)
	return copyBid(out[0]), nil
}

// SolverStats implements Bids.
func (s *MemoryBids) SolverStats(_ context.Context, solver common.Address) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var wins, total int64
	for _, rec := range s.records {
		if rec.SolverID != solver {
			continue
		}
		switch rec.Status {
		case types.BidStatusWon:
			wins++
			total++
		case types.BidStatusLost:
			total++
		}
	}
	return wins, total, nil
}

func copyBid(b *types.Bid) *types.Bid {
	c := *b
	c.QuoteOut = b.QuoteOut.Clone()
	return &c
}

// sortBids orders by score descending, then arrival ascending.
func sortBids(bids []*types.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Score != bids[j].Score {
			return bids[i].Score > bids[j].Score
		}
		return bids[i].ArrivedAt.Before(bids[j].ArrivedAt)
	})
}
