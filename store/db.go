package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/anythingai/intendly/types"
)

// retryDelays are the waits between storage attempts: three tries total,
// backing off 50ms then 400ms before surfacing StorageUnavailable.
var retryDelays = []time.Duration{50 * time.Millisecond, 400 * time.Millisecond}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// withRetry runs op with bounded exponential backoff on transient errors.
// Conflicts and lookup misses are returned immediately; exhausted retries
// surface as StorageUnavailable.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= len(retryDelays) {
			break
		}
		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			return types.WrapError(types.KindStorageUnavailable, ctx.Err(), "storage operation cancelled")
		}
	}
	return types.WrapError(types.KindStorageUnavailable, err, "storage unavailable after retries")
}

// retryable reports whether an error is transient. Uniqueness violations
// and misses are deterministic; everything else (connection drops, failed
// pings, serialization aborts) is worth another attempt.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity violations are not transient
			return false
		case "40": // serialization failure / deadlock detected
			return true
		}
	}
	return true
}

// mapPQError converts driver-level uniqueness violations into ErrConflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
