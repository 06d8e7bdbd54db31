package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/types"
)

const intentColumns = `intent_hash, payload, signature, signer, status, total_bids,
	COALESCE(best_bid_id, ''), created_at, updated_at, expires_at`

// PostgresIntents implements Intents on Postgres.
type PostgresIntents struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresIntents wraps an open database handle.
func NewPostgresIntents(db *sql.DB, logger *log.Logger) *PostgresIntents {
	return &PostgresIntents{db: db, logger: logger.Module("intent-store")}
}

// Create implements Intents. The insert races are resolved by the primary
// key: a conflicting insert falls back to reading the existing record.
func (s *PostgresIntents) Create(ctx context.Context, in *types.Intent) (*types.Intent, bool, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal intent payload: %w", err)
	}

	var existed bool
	err = withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO intents (intent_hash, payload, signature, signer, status, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
			ON CONFLICT (intent_hash) DO NOTHING`,
			in.Hash.Bytes(), payload, []byte(in.Signature), in.Signer.Hex(),
			string(in.Status), in.CreatedAt.UTC(), in.ExpiresAt.UTC())
		if err != nil {
			return mapPQError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = n == 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !existed {
		return in, false, nil
	}
	rec, err := s.FindByHash(ctx, in.Hash)
	if err != nil {
		return nil, true, err
	}
	return rec, true, nil
}

// FindByHash implements Intents.
func (s *PostgresIntents) FindByHash(ctx context.Context, hash common.Hash) (*types.Intent, error) {
	var rec *types.Intent
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+intentColumns+` FROM intents WHERE intent_hash = $1`, hash.Bytes())
		var err error
		rec, err = scanIntent(row)
		return err
	})
	return rec, err
}

// UpdateStatus implements Intents. The guard clause keeps terminal rows
// immutable.
func (s *PostgresIntents) UpdateStatus(ctx context.Context, hash common.Hash, status types.IntentStatus) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents SET status = $2, updated_at = now()
			WHERE intent_hash = $1
			  AND status NOT IN ('FILLED', 'EXPIRED', 'CANCELLED', 'FAILED')`,
			hash.Bytes(), string(status))
		if err != nil {
			return mapPQError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either missing or already terminal; distinguish for the caller.
			if _, ferr := s.findStatus(ctx, hash); ferr != nil {
				return ferr
			}
			return fmt.Errorf("%w: intent %s already terminal", ErrConflict, hash.Hex())
		}
		return nil
	})
}

// UpdateBestBid implements Intents.
func (s *PostgresIntents) UpdateBestBid(ctx context.Context, hash common.Hash, bestBidID string, totalBids int) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents SET best_bid_id = NULLIF($2, ''), total_bids = $3, updated_at = now()
			WHERE intent_hash = $1`,
			hash.Bytes(), bestBidID, totalBids)
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

// FindExpired implements Intents.
func (s *PostgresIntents) FindExpired(ctx context.Context, now time.Time, limit int) ([]*types.Intent, error) {
	var out []*types.Intent
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+intentColumns+` FROM intents
			WHERE expires_at < $1
			  AND status NOT IN ('FILLED', 'EXPIRED', 'CANCELLED', 'FAILED')
			ORDER BY expires_at ASC
			LIMIT $2`,
			now.UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			rec, err := scanIntent(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// Stats implements Intents.
func (s *PostgresIntents) Stats(ctx context.Context) (*types.IntentStats, error) {
	stats := &types.IntentStats{ByStatus: make(map[types.IntentStatus]int64)}
	err := withRetry(ctx, func() error {
		stats.Total = 0
		stats.Last24h = 0
		clear(stats.ByStatus)

		rows, err := s.db.QueryContext(ctx,
			`SELECT status, COUNT(*) FROM intents GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.ByStatus[types.IntentStatus(status)] = count
			stats.Total += count
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM intents WHERE created_at > now() - INTERVAL '24 hours'`).
			Scan(&stats.Last24h)
	})
	return stats, err
}

// findStatus is an existence probe used by UpdateStatus error paths.
func (s *PostgresIntents) findStatus(ctx context.Context, hash common.Hash) (types.IntentStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM intents WHERE intent_hash = $1`, hash.Bytes()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return types.IntentStatus(status), err
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanIntent decodes one intents row.
func scanIntent(row rowScanner) (*types.Intent, error) {
	var (
		rec       types.Intent
		hashBytes []byte
		payload   []byte
		signer    string
		status    string
	)
	err := row.Scan(&hashBytes, &payload, (*[]byte)(&rec.Signature), &signer, &status,
		&rec.TotalBids, &rec.BestBidID, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode intent payload: %w", err)
	}
	rec.Hash = common.BytesToHash(hashBytes)
	rec.Signer = common.HexToAddress(signer)
	rec.Status = types.IntentStatus(status)
	return &rec, nil
}
