package intake

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/eip712"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

const testChainID = 8453

type recordingOpener struct {
	mu     sync.Mutex
	opened []common.Hash
}

func (o *recordingOpener) Open(in *types.Intent) {
	o.mu.Lock()
	o.opened = append(o.opened, in.Hash)
	o.mu.Unlock()
}

func (o *recordingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

type testRig struct {
	pipe    *Pipeline
	intents *store.MemoryIntents
	bus     *bus.InProcBus
	opener  *recordingOpener
	key     *ecdsa.PrivateKey
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	intents := store.NewMemoryIntents()
	msgBus := bus.NewInProc(log.Default())
	t.Cleanup(msgBus.Close)
	opener := &recordingOpener{}
	verifier := eip712.NewVerifier(testChainID, common.HexToAddress("0x00000000000000000000000000000000cafe0001"))
	pipe := New(verifier, intents, bus.NewIntentCache(128), msgBus, opener,
		metrics.NewSet(), 3*time.Second, log.Default())
	return &testRig{pipe: pipe, intents: intents, bus: msgBus, opener: opener, key: key}
}

func (r *testRig) payload(nonce uint64, deadline time.Time) *types.IntentPayload {
	return &types.IntentPayload{
		TokenIn:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TokenOut:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountIn:       types.NewU256(1_000_000),
		MaxSlippageBps: 50,
		Deadline:       uint64(deadline.Unix()),
		ChainID:        testChainID,
		Receiver:       crypto.PubkeyToAddress(r.key.PublicKey),
		Nonce:          types.NewU256(nonce),
	}
}

func (r *testRig) sign(t *testing.T, p *types.IntentPayload) []byte {
	t.Helper()
	digest := r.pipe.verifier.IntentHash(p)
	sig, err := crypto.Sign(digest.Bytes(), r.key)
	if err != nil {
		t.Fatalf("sign intent: %v", err)
	}
	return sig
}

func TestSubmitAdmitsAndBroadcasts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sub := rig.bus.Subscribe(types.ChanSolverIntents)
	defer sub.Unsubscribe()

	p := rig.payload(1, time.Now().Add(time.Minute))
	rec, err := rig.pipe.Submit(ctx, p, rig.sign(t, p))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Duplicate {
		t.Fatal("fresh intent reported as duplicate")
	}
	if rec.BiddingWindowMs != 3000 {
		t.Fatalf("window = %d ms, want 3000", rec.BiddingWindowMs)
	}

	in, err := rig.intents.FindByHash(ctx, rec.IntentHash)
	if err != nil {
		t.Fatalf("persisted intent not found: %v", err)
	}
	if in.Status != types.IntentStatusBroadcasting {
		t.Fatalf("status = %s, want BROADCASTING", in.Status)
	}
	if in.Signer != crypto.PubkeyToAddress(rig.key.PublicKey) {
		t.Fatalf("recovered signer = %s", in.Signer.Hex())
	}

	select {
	case msg := <-sub.C:
		var created types.IntentCreatedMsg
		if err := json.Unmarshal(msg.Payload, &created); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if created.IntentHash != rec.IntentHash {
			t.Fatalf("broadcast hash = %s, want %s", created.IntentHash.Hex(), rec.IntentHash.Hex())
		}
	case <-time.After(time.Second):
		t.Fatal("no solver broadcast")
	}
	if rig.opener.count() != 1 {
		t.Fatalf("auctions opened = %d, want 1", rig.opener.count())
	}
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	p := rig.payload(7, time.Now().Add(time.Minute))
	sig := rig.sign(t, p)

	first, err := rig.pipe.Submit(ctx, p, sig)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := rig.pipe.Submit(ctx, p, sig)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("duplicate not flagged")
	}
	if second.IntentHash != first.IntentHash {
		t.Fatal("duplicate returned a different hash")
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("duplicate expiry %v, want original %v", second.ExpiresAt, first.ExpiresAt)
	}
	if rig.opener.count() != 1 {
		t.Fatalf("auctions opened = %d, want 1 (duplicates must not reopen)", rig.opener.count())
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	cases := []struct {
		name   string
		mutate func(*types.IntentPayload)
	}{
		{"zero tokenIn", func(p *types.IntentPayload) { p.TokenIn = common.Address{} }},
		{"zero tokenOut", func(p *types.IntentPayload) { p.TokenOut = common.Address{} }},
		{"same tokens", func(p *types.IntentPayload) { p.TokenOut = p.TokenIn }},
		{"zero amount", func(p *types.IntentPayload) { p.AmountIn = types.NewU256(0) }},
		{"slippage above cap", func(p *types.IntentPayload) { p.MaxSlippageBps = 10_001 }},
		{"past deadline", func(p *types.IntentPayload) { p.Deadline = uint64(time.Now().Add(-time.Minute).Unix()) }},
		{"wrong chain", func(p *types.IntentPayload) { p.ChainID = testChainID + 1 }},
		{"missing nonce", func(p *types.IntentPayload) { p.Nonce = nil }},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := rig.payload(uint64(100+i), deadline)
			tc.mutate(p)
			_, err := rig.pipe.Submit(ctx, p, make([]byte, 65))
			if types.KindOf(err) != types.KindInvalidInput {
				t.Fatalf("got %v, want InvalidInput", err)
			}
		})
	}

	t.Run("short signature", func(t *testing.T) {
		p := rig.payload(200, deadline)
		_, err := rig.pipe.Submit(ctx, p, make([]byte, 64))
		if types.KindOf(err) != types.KindInvalidInput {
			t.Fatalf("got %v, want InvalidInput", err)
		}
	})
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	p := rig.payload(3, time.Now().Add(time.Minute))
	sig := rig.sign(t, p)
	sig[10] ^= 0xff

	_, err := rig.pipe.Submit(ctx, p, sig)
	if types.KindOf(err) != types.KindInvalidSignature {
		t.Fatalf("got %v, want InvalidSignature", err)
	}
	if _, ferr := rig.intents.FindByHash(ctx, rig.pipe.verifier.IntentHash(p)); ferr == nil {
		t.Fatal("rejected intent was persisted")
	}
}

func TestSubmitRejectsSignatureOverDifferentPayload(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	p := rig.payload(4, time.Now().Add(time.Minute))
	sig := rig.sign(t, p)
	p.AmountIn = types.NewU256(2_000_000)

	// The hash changes with the payload, so recovery yields an unrelated
	// address and the coordinator records it, not the claimed sender. The
	// pipeline cannot reject an anonymous submission on identity alone,
	// but the signature must still be internally consistent.
	rec, err := rig.pipe.Submit(ctx, p, sig)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	in, _ := rig.intents.FindByHash(ctx, rec.IntentHash)
	if in.Signer == crypto.PubkeyToAddress(rig.key.PublicKey) {
		t.Fatal("tampered payload recovered the original signer")
	}
}
