// Package intake admits intents: structural validation, dedupe by hash,
// signature verification, durable write, broadcast to solvers, and
// handoff to the auction controller.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/eip712"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

// Opener receives admitted intents and runs their auctions.
type Opener interface {
	Open(*types.Intent)
}

// Pipeline is the intent admission path.
type Pipeline struct {
	logger   *log.Logger
	verifier *eip712.Verifier
	intents  store.Intents
	cache    *bus.IntentCache
	bus      bus.Bus
	opener   Opener
	metrics  *metrics.Set
	window   time.Duration

	// Striped by intent hash so concurrent duplicate submissions of the
	// same intent serialize while distinct intents proceed in parallel.
	locks [lockStripes]chanLock
}

const lockStripes = 64

// chanLock is a context-aware mutex.
type chanLock struct {
	ch chan struct{}
}

func (l *chanLock) lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.KindTimeout, ctx.Err(), "intent admission queue")
	}
}

func (l *chanLock) unlock() { <-l.ch }

// New creates a Pipeline.
func New(verifier *eip712.Verifier, intents store.Intents, cache *bus.IntentCache,
	msgBus bus.Bus, opener Opener, set *metrics.Set, window time.Duration, logger *log.Logger) *Pipeline {
	p := &Pipeline{
		logger:   logger.Module("intake"),
		verifier: verifier,
		intents:  intents,
		cache:    cache,
		bus:      msgBus,
		opener:   opener,
		metrics:  set,
		window:   window,
	}
	for i := range p.locks {
		p.locks[i].ch = make(chan struct{}, 1)
	}
	return p
}

// Submit admits one intent. Duplicate submissions of an already known
// hash return the original record's receipt and change nothing.
func (p *Pipeline) Submit(ctx context.Context, payload *types.IntentPayload, sig []byte) (*types.IntentReceipt, error) {
	rec, err := p.submit(ctx, payload, sig)
	switch {
	case err != nil:
		p.metrics.IntentsRejected.WithLabelValues(types.KindOf(err).String()).Inc()
	case rec.Duplicate:
		p.metrics.IntentsDuplicate.Inc()
	default:
		p.metrics.IntentsAdmitted.Inc()
	}
	return rec, err
}

func (p *Pipeline) submit(ctx context.Context, payload *types.IntentPayload, sig []byte) (*types.IntentReceipt, error) {
	if err := p.validate(payload, sig); err != nil {
		return nil, err
	}

	hash := p.verifier.IntentHash(payload)

	lk := &p.locks[hash[0]%lockStripes]
	if err := lk.lock(ctx); err != nil {
		return nil, err
	}
	defer lk.unlock()

	// Dedupe before the expensive signature work.
	if existing, err := p.intents.FindByHash(ctx, hash); err == nil {
		return p.duplicateReceipt(existing), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "dedupe lookup")
	}

	signer, err := p.verifier.VerifyIntent(payload, sig)
	if err != nil {
		p.logger.Warn("intent signature rejected", "intent", hash.Hex(), "err", err)
		return nil, types.WrapError(types.KindInvalidSignature, err, "intent signature verification failed")
	}

	// Authoritative expiry check; the structural check above may have
	// raced the deadline.
	now := time.Now()
	expiresAt := time.Unix(int64(payload.Deadline), 0)
	if !expiresAt.After(now) {
		return nil, types.FieldError("deadline", "already passed")
	}

	in := &types.Intent{
		Hash:      hash,
		Payload:   *payload,
		Signature: sig,
		Signer:    signer,
		Status:    types.IntentStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	rec, existed, err := p.intents.Create(ctx, in)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "persist intent")
	}
	if existed {
		return p.duplicateReceipt(rec), nil
	}

	if err := p.intents.UpdateStatus(ctx, hash, types.IntentStatusBroadcasting); err != nil {
		p.logger.Error("transition to BROADCASTING failed", "intent", hash.Hex(), "err", err)
	} else {
		rec.Status = types.IntentStatusBroadcasting
	}
	p.cache.Put(rec)

	p.bus.Publish(types.ChanSolverIntents, types.IntentCreatedMsg{
		IntentHash:      hash,
		Intent:          rec.Payload,
		BiddingWindowMs: p.window.Milliseconds(),
		CreatedAt:       rec.CreatedAt,
	})
	p.opener.Open(rec)

	p.logger.Info("intent admitted", "intent", hash.Hex(), "signer", signer.Hex(), "expiresAt", expiresAt)
	return &types.IntentReceipt{
		IntentHash:      hash,
		BiddingWindowMs: p.window.Milliseconds(),
		ExpiresAt:       expiresAt,
	}, nil
}

// validate applies the structural admission checks.
func (p *Pipeline) validate(payload *types.IntentPayload, sig []byte) error {
	if payload == nil {
		return types.FieldError("payload", "missing")
	}
	if payload.TokenIn == (common.Address{}) {
		return types.FieldError("tokenIn", "must not be the zero address")
	}
	if payload.TokenOut == (common.Address{}) {
		return types.FieldError("tokenOut", "must not be the zero address")
	}
	if payload.TokenIn == payload.TokenOut {
		return types.FieldError("tokenOut", "must differ from tokenIn")
	}
	if payload.AmountIn == nil || payload.AmountIn.IsZero() {
		return types.FieldError("amountIn", "must be > 0")
	}
	if payload.MaxSlippageBps > types.MaxSlippageBps {
		return types.FieldError("maxSlippageBps", "must be within [0, %d]", types.MaxSlippageBps)
	}
	if payload.Deadline <= uint64(time.Now().Unix()) {
		return types.FieldError("deadline", "must be in the future")
	}
	if payload.ChainID != p.verifier.ChainID() {
		return types.FieldError("chainId", "must be %d", p.verifier.ChainID())
	}
	if payload.Nonce == nil {
		return types.FieldError("nonce", "missing")
	}
	if len(sig) != eip712.SignatureLength {
		return types.FieldError("signature", "must be %d bytes", eip712.SignatureLength)
	}
	return nil
}

func (p *Pipeline) duplicateReceipt(in *types.Intent) *types.IntentReceipt {
	return &types.IntentReceipt{
		IntentHash:      in.Hash,
		BiddingWindowMs: p.window.Milliseconds(),
		ExpiresAt:       in.ExpiresAt,
		Duplicate:       true,
	}
}
