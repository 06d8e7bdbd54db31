// Package bus provides the coordinator's message fabric: a topic pub/sub
// with at-most-once delivery and a short-TTL cache for hot intents. The
// default bus is in-process; the interface leaves room for a networked
// implementation when the coordinator runs multi-node. Consumers must be
// idempotent and resync from the stores after missing messages.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/anythingai/intendly/log"
)

// Message is a single published payload, JSON-encoded at publish time.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the abstract pub/sub fabric.
type Bus interface {
	// Publish delivers v to current subscribers of channel. Delivery is
	// at-most-once: slow subscribers lose messages rather than block the
	// publisher.
	Publish(channel string, v any)
	// Subscribe registers interest in a channel. The returned subscription
	// must be cancelled when no longer needed.
	Subscribe(channel string) *Subscription
	// Close tears down the bus and cancels all subscriptions.
	Close()
}

// Subscription is a live channel subscription. Messages arrive on C until
// Unsubscribe or bus close, after which C is closed.
type Subscription struct {
	C chan Message

	bus     *InProcBus
	channel string
	once    sync.Once
}

// Unsubscribe cancels the subscription and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.bus != nil {
			s.bus.remove(s.channel, s)
		}
		close(s.C)
	})
}

// subscriberBuffer is the per-subscription queue depth. Overflow drops the
// message for that subscriber only.
const subscriberBuffer = 64

// InProcBus is the in-process Bus implementation.
type InProcBus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool
	logger *log.Logger
}

// NewInProc creates an in-process bus.
func NewInProc(logger *log.Logger) *InProcBus {
	return &InProcBus{
		subs:   make(map[string][]*Subscription),
		logger: logger.Module("bus"),
	}
}

// Publish implements Bus.
func (b *InProcBus) Publish(channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal publish payload", "channel", channel, "err", err)
		return
	}
	msg := Message{Channel: channel, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[channel] {
		select {
		case sub.C <- msg:
		default:
			// Subscriber queue full; at-most-once allows the drop.
			b.logger.Warn("dropping message for slow subscriber", "channel", channel)
		}
	}
}

// Subscribe implements Bus.
func (b *InProcBus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		C:       make(chan Message, subscriberBuffer),
		bus:     b,
		channel: channel,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// A subscription on a closed bus never delivers; close C so
		// range loops terminate immediately.
		sub.once.Do(func() { close(sub.C) })
		return sub
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub
}

// remove detaches a subscription from the channel list.
func (b *InProcBus) remove(channel string, target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[channel]
	for i, sub := range list {
		if sub == target {
			b.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

// Close implements Bus.
func (b *InProcBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.C) })
	}
}

// SubscriberCount reports current subscribers for a channel (diagnostics).
func (b *InProcBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
