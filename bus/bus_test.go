package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/types"
)

type testMsg struct {
	N int `json:"n"`
}

func newTestBus() *InProcBus {
	return NewInProc(log.Default())
}

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe("solver:intents")
	b.Publish("solver:intents", testMsg{N: 7})

	msg := recvOne(t, sub)
	if msg.Channel != "solver:intents" {
		t.Fatalf("channel = %s", msg.Channel)
	}
	var got testMsg
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.N != 7 {
		t.Fatalf("n = %d, want 7", got.N)
	}
}

func TestChannelIsolation(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	a := b.Subscribe("a")
	b.Publish("b", testMsg{N: 1})
	b.Publish("a", testMsg{N: 2})

	msg := recvOne(t, a)
	var got testMsg
	_ = json.Unmarshal(msg.Payload, &got)
	if got.N != 2 {
		t.Fatalf("subscriber received foreign channel message: %+v", got)
	}
	select {
	case extra := <-a.C:
		t.Fatalf("unexpected extra message: %+v", extra)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe("hot")
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("hot", testMsg{N: i})
	}
	// The publisher never blocked; the queue holds at most the buffer.
	if n := len(sub.C); n != subscriberBuffer {
		t.Fatalf("queued = %d, want %d", n, subscriberBuffer)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	sub := b.Subscribe("x")
	sub.Unsubscribe()
	if b.SubscriberCount("x") != 0 {
		t.Fatal("subscription not removed")
	}
	// Channel is closed; a second Unsubscribe is a no-op.
	sub.Unsubscribe()
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
}

func TestCloseCancelsAll(t *testing.T) {
	b := newTestBus()
	s1 := b.Subscribe("x")
	s2 := b.Subscribe("y")
	b.Close()

	for _, sub := range []*Subscription{s1, s2} {
		if _, ok := <-sub.C; ok {
			t.Fatal("expected closed channel after bus close")
		}
	}
	// Publishing after close is a silent no-op.
	b.Publish("x", testMsg{N: 1})
	// Subscribing after close yields an immediately closed subscription.
	s3 := b.Subscribe("z")
	if _, ok := <-s3.C; ok {
		t.Fatal("expected closed channel for post-close subscribe")
	}
}

func TestIntentCache(t *testing.T) {
	c := NewIntentCache(8)
	hash := common.HexToHash("0x01")
	in := &types.Intent{
		Hash:      hash,
		Status:    types.IntentStatusBidding,
		ExpiresAt: time.Now().Add(time.Minute),
	}

	c.Put(in)
	got, ok := c.Get(hash)
	if !ok || got.Hash != hash {
		t.Fatal("expected cache hit")
	}

	c.Evict(hash)
	if _, ok := c.Get(hash); ok {
		t.Fatal("expected miss after evict")
	}
}

func TestIntentCacheReturnsCopies(t *testing.T) {
	c := NewIntentCache(8)
	hash := common.HexToHash("0x03")
	in := &types.Intent{
		Hash:      hash,
		Status:    types.IntentStatusBroadcasting,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	c.Put(in)

	// Mutating the caller's pointer after Put must not leak into the cache.
	in.Status = types.IntentStatusFilled
	got, ok := c.Get(hash)
	if !ok || got.Status != types.IntentStatusBroadcasting {
		t.Fatalf("cached status = %v, want BROADCASTING", got.Status)
	}

	// Nor may a mutation through a Get result surface in later reads.
	got.Status = types.IntentStatusExpired
	got.BestBidID = "b-1"
	again, ok := c.Get(hash)
	if !ok || again.Status != types.IntentStatusBroadcasting || again.BestBidID != "" {
		t.Fatalf("cache entry mutated through a returned copy: %+v", again)
	}
}

func TestIntentCacheDeadline(t *testing.T) {
	c := NewIntentCache(8)
	hash := common.HexToHash("0x02")

	// An intent already past its deadline is never cached.
	c.Put(&types.Intent{Hash: hash, ExpiresAt: time.Now().Add(-time.Second)})
	if _, ok := c.Get(hash); ok {
		t.Fatal("expired intent should not be cached")
	}

	// A live entry turns into a miss once its deadline passes.
	c.Put(&types.Intent{Hash: hash, ExpiresAt: time.Now().Add(30 * time.Millisecond)})
	if _, ok := c.Get(hash); !ok {
		t.Fatal("expected hit before deadline")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get(hash); ok {
		t.Fatal("expected miss after deadline")
	}
}
