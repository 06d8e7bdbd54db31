package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

type testRig struct {
	reaper  *Reaper
	intents *store.MemoryIntents
	bids    *store.MemoryBids
	bus     *bus.InProcBus
	cache   *bus.IntentCache
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	intents := store.NewMemoryIntents()
	bids := store.NewMemoryBids(intents)
	msgBus := bus.NewInProc(log.Default())
	t.Cleanup(msgBus.Close)
	cache := bus.NewIntentCache(64)
	r := New(DefaultConfig(), intents, bids, cache, msgBus, metrics.NewSet(), log.Default())
	return &testRig{reaper: r, intents: intents, bids: bids, bus: msgBus, cache: cache}
}

func (r *testRig) addIntent(t *testing.T, name string, status types.IntentStatus, expiresAt time.Time) *types.Intent {
	t.Helper()
	in := &types.Intent{
		Hash:      crypto.Keccak256Hash([]byte(name)),
		Payload:   types.IntentPayload{AmountIn: types.NewU256(1), Nonce: types.NewU256(1)},
		Status:    status,
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Minute),
		ExpiresAt: expiresAt,
	}
	if _, _, err := r.intents.Create(context.Background(), in); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	r.cache.Put(in)
	return in
}

func TestSweepExpiresOverdue(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	overdue := rig.addIntent(t, "overdue", types.IntentStatusBidding, time.Now().Add(-time.Second))
	fresh := rig.addIntent(t, "fresh", types.IntentStatusBidding, time.Now().Add(time.Hour))

	bid := &types.Bid{
		ID:         "b-1",
		IntentHash: overdue.Hash,
		SolverID:   common.HexToAddress("0x5555555555555555555555555555555555555555"),
		QuoteOut:   types.NewU256(100),
		TTLMs:      60_000,
		ArrivedAt:  time.Now(),
		Status:     types.BidStatusAccepted,
	}
	if err := rig.bids.Admit(ctx, bid, "", nil, bid.ID, 1); err != nil {
		t.Fatalf("admit bid: %v", err)
	}

	status := rig.bus.Subscribe(types.ChanIntentStatus(overdue.Hash))
	defer status.Unsubscribe()

	n, err := rig.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	got, _ := rig.intents.FindByHash(ctx, overdue.Hash)
	if got.Status != types.IntentStatusExpired {
		t.Fatalf("overdue status = %s, want EXPIRED", got.Status)
	}
	gotBid, _ := rig.bids.FindByID(ctx, bid.ID)
	if gotBid.Status != types.BidStatusExpired {
		t.Fatalf("bid status = %s, want EXPIRED", gotBid.Status)
	}
	if _, ok := rig.cache.Get(overdue.Hash); ok {
		t.Fatal("expired intent still cached")
	}

	untouched, _ := rig.intents.FindByHash(ctx, fresh.Hash)
	if untouched.Status != types.IntentStatusBidding {
		t.Fatalf("fresh intent status = %s, want BIDDING", untouched.Status)
	}

	select {
	case msg := <-status.C:
		var st types.IntentStatusMsg
		if err := json.Unmarshal(msg.Payload, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.Status != types.IntentStatusExpired {
			t.Fatalf("published status = %s, want EXPIRED", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no status message")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.addIntent(t, "overdue", types.IntentStatusBroadcasting, time.Now().Add(-time.Second))

	first, err := rig.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first != 1 {
		t.Fatalf("first sweep = %d, want 1", first)
	}
	second, err := rig.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second != 0 {
		t.Fatalf("second sweep = %d, want 0", second)
	}
}

func TestSweepSkipsTerminal(t *testing.T) {
	rig := newTestRig(t)

	rig.addIntent(t, "filled", types.IntentStatusFilled, time.Now().Add(-time.Hour))
	rig.addIntent(t, "cancelled", types.IntentStatusCancelled, time.Now().Add(-time.Hour))

	n, err := rig.reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept = %d terminal intents, want 0", n)
	}
}

func TestStartStop(t *testing.T) {
	rig := newTestRig(t)
	rig.reaper.cfg.Interval = 10 * time.Millisecond
	rig.addIntent(t, "overdue", types.IntentStatusBidding, time.Now().Add(-time.Second))

	rig.reaper.Start()
	time.Sleep(50 * time.Millisecond)
	rig.reaper.Stop()

	got, _ := rig.intents.FindByHash(context.Background(), crypto.Keccak256Hash([]byte("overdue")))
	if got.Status != types.IntentStatusExpired {
		t.Fatalf("status after loop = %s, want EXPIRED", got.Status)
	}
}
