package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/types"
)

const bidColumns = `id, intent_hash, solver_id, quote_out::text, solver_fee_bps,
	calldata_hint, ttl_ms, solver_signature, arrived_at,
	COALESCE(score, 0), COALESCE(rank, 0), status`

// PostgresBids implements Bids on Postgres.
type PostgresBids struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresBids wraps an open database handle.
func NewPostgresBids(db *sql.DB, logger *log.Logger) *PostgresBids {
	return &PostgresBids{db: db, logger: logger.Module("bid-store")}
}

// Admit implements Bids. Everything happens in one transaction so a crash
// mid-admission never leaves a bid without its intent-side bookkeeping.
func (s *PostgresBids) Admit(ctx context.Context, bid *types.Bid, supersededID string, ranks []ScoreRank, bestBidID string, totalBids int) error {
	return withRetry(ctx, func() error {
		err := inTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bids (id, intent_hash, solver_id, quote_out, solver_fee_bps,
					calldata_hint, ttl_ms, solver_signature, arrived_at, score, rank, status)
				VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12)`,
				bid.ID, bid.IntentHash.Bytes(), bid.SolverID.Hex(), bid.QuoteOut.Dec(),
				int(bid.SolverFeeBps), []byte(bid.CalldataHint), int64(bid.TTLMs),
				[]byte(bid.Signature), bid.ArrivedAt.UTC(), bid.Score, bid.Rank,
				string(bid.Status))
			if err != nil {
				return err
			}

			if supersededID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE bids SET status = 'LOST' WHERE id = $1 AND status = 'ACCEPTED'`,
					supersededID); err != nil {
					return err
				}
			}

			for _, r := range ranks {
				if r.BidID == bid.ID {
					continue // already inserted with its final score
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE bids SET score = $2, rank = $3 WHERE id = $1`,
					r.BidID, r.Score, r.Rank); err != nil {
					return err
				}
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE intents SET best_bid_id = NULLIF($2, ''), total_bids = $3, updated_at = now()
				WHERE intent_hash = $1`,
				bid.IntentHash.Bytes(), bestBidID, totalBids)
			return err
		})
		return mapPQError(err)
	})
}

// FindByID implements Bids.
func (s *PostgresBids) FindByID(ctx context.Context, id string) (*types.Bid, error) {
	var rec *types.Bid
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
		var err error
		rec, err = scanBid(row)
		return err
	})
	return rec, err
}

// FindByIntent implements Bids.
func (s *PostgresBids) FindByIntent(ctx context.Context, hash common.Hash) ([]*types.Bid, error) {
	var out []*types.Bid
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+bidColumns+` FROM bids
			WHERE intent_hash = $1
			ORDER BY score DESC, arrived_at ASC`,
			hash.Bytes())
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			rec, err := scanBid(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateStatus implements Bids.
func (s *PostgresBids) UpdateStatus(ctx context.Context, id string, status types.BidStatus) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE bids SET status = $2 WHERE id = $1`, id, string(status))
		if err != nil {
			return mapPQError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FinalizeSelection implements Bids.
func (s *PostgresBids) FinalizeSelection(ctx context.Context, hash common.Hash, winnerID string, loserIDs []string) error {
	return withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE bids SET status = 'WON' WHERE id = $1 AND intent_hash = $2 AND status = 'ACCEPTED'`,
				winnerID, hash.Bytes())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: winner %s not in ACCEPTED state", ErrConflict, winnerID)
			}
			if len(loserIDs) > 0 {
				_, err = tx.ExecContext(ctx,
					`UPDATE bids SET status = 'LOST' WHERE id = ANY($1) AND status = 'ACCEPTED'`,
					pq.Array(loserIDs))
			}
			return err
		})
	})
}

// MarkExpired implements Bids.
func (s *PostgresBids) MarkExpired(ctx context.Context, hash common.Hash) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bids SET status = 'EXPIRED'
			WHERE intent_hash = $1 AND status IN ('PENDING', 'ACCEPTED')`,
			hash.Bytes())
		if err != nil {
			return mapPQError(err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// BestAccepted implements Bids.
func (s *PostgresBids) BestAccepted(ctx context.Context, hash common.Hash) (*types.Bid, error) {
	var rec *types.Bid
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+bidColumns+` FROM bids
			WHERE intent_hash = $1 AND status = 'ACCEPTED'
			ORDER BY score DESC, arrived_at ASC
			LIMIT 1`,
			hash.Bytes())
		var err error
		rec, err = scanBid(row)
		return err
	})
	return rec, err
}

// SolverStats implements Bids. Only finished auctions count: WON and LOST
// both mean the solver's bid went the distance.
func (s *PostgresBids) SolverStats(ctx context.Context, solver common.Address) (int64, int64, error) {
	var wins, total int64
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'WON'), COUNT(*)
			FROM bids
			WHERE solver_id = $1 AND status IN ('WON', 'LOST')`,
			solver.Hex()).Scan(&wins, &total)
	})
	return wins, total, err
}

// scanBid decodes one bids row.
func scanBid(row rowScanner) (*types.Bid, error) {
	var (
		rec       types.Bid
		hashBytes []byte
		solver    string
		quoteDec  string
		feeBps    int
		ttlMs     int64
		status    string
	)
	err := row.Scan(&rec.ID, &hashBytes, &solver, &quoteDec, &feeBps,
		(*[]byte)(&rec.CalldataHint), &ttlMs, (*[]byte)(&rec.Signature),
		&rec.ArrivedAt, &rec.Score, &rec.Rank, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	quote, err := types.U256FromDecimal(quoteDec)
	if err != nil {
		return nil, fmt.Errorf("decode quote_out: %w", err)
	}
	rec.IntentHash = common.BytesToHash(hashBytes)
	rec.SolverID = common.HexToAddress(solver)
	rec.QuoteOut = quote
	rec.SolverFeeBps = uint16(feeBps)
	rec.TTLMs = uint32(ttlMs)
	rec.Status = types.BidStatus(status)
	return &rec, nil
}
