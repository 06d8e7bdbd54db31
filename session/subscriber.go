package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/anythingai/intendly/bus"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/types"
)

// maxIntentSubscriptions caps the intents a single client may follow.
const maxIntentSubscriptions = 32

// subscribePayload is the data field of subscribe/unsubscribe frames.
type subscribePayload struct {
	IntentHash common.Hash `json:"intentHash"`
}

// SubscriberHub manages authenticated client connections that follow the
// live auction of individual intents: bid updates, best-bid changes, and
// status transitions.
type SubscriberHub struct {
	logger  *log.Logger
	cfg     HubConfig
	issuer  *TokenIssuer
	bus     bus.Bus
	metrics *metrics.Set

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uint64]*SubscriberSession
	nextID   atomic.Uint64
}

// SubscriberSession is one live client connection and its per-intent
// subscriptions.
type SubscriberSession struct {
	id      uint64
	subject string
	conn    *websocket.Conn
	send    chan types.WSEnvelope
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	subs map[common.Hash][]*bus.Subscription
}

// NewSubscriberHub creates the hub.
func NewSubscriberHub(cfg HubConfig, issuer *TokenIssuer, msgBus bus.Bus, set *metrics.Set, logger *log.Logger) *SubscriberHub {
	return &SubscriberHub{
		logger:  logger.Module("subscriber-hub"),
		cfg:     cfg,
		issuer:  issuer,
		bus:     msgBus,
		metrics: set,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[uint64]*SubscriberSession),
	}
}

// Stop closes all subscriber sessions.
func (h *SubscriberHub) Stop() {
	h.mu.Lock()
	sessions := make([]*SubscriberSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		h.closeSession(s, CloseReasonShutdown)
	}
}

// SessionCount reports the number of live subscriber sessions.
func (h *SubscriberHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (h *SubscriberHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.sessions) >= h.cfg.MaxSessions
	h.mu.RUnlock()
	if full {
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	subject, err := h.authenticate(conn)
	if err != nil {
		h.logger.Warn("subscriber handshake rejected", "remote", r.RemoteAddr, "err", err)
		writeEnvelope(conn, types.NewWSEnvelope(types.WSTypeError, map[string]string{"message": "authentication failed"}))
		conn.Close()
		return
	}

	s := &SubscriberSession{
		id:      h.nextID.Add(1),
		subject: subject,
		conn:    conn,
		send:    make(chan types.WSEnvelope, h.cfg.OutboundQueue),
		done:    make(chan struct{}),
		subs:    make(map[common.Hash][]*bus.Subscription),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.metrics.ClientSessions.Inc()
	h.logger.Debug("subscriber connected", "session", s.id, "subject", subject)

	s.send <- types.NewWSEnvelope(types.WSTypeAuthResponse, authResponse{
		Authenticated: true, SessionID: s.id, Subject: subject,
	})

	go h.writePump(s)
	h.readPump(s)
}

func (h *SubscriberHub) authenticate(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(wsMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(wsAuthTimeout)); err != nil {
		return "", err
	}
	var env types.WSEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", types.WrapError(types.KindUnauthorized, err, "read auth frame")
	}
	if env.Type != types.WSTypeAuth {
		return "", types.NewError(types.KindUnauthorized, "first frame must be auth, got %q", env.Type)
	}
	var payload authPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return "", types.WrapError(types.KindUnauthorized, err, "parse auth frame")
	}
	return h.issuer.Verify(payload.Token, AudienceWebsocket)
}

// subscribeIntent attaches the session to one intent's auction channels.
// A forwarding goroutine per channel translates bus payloads into the
// client-facing envelope types.
func (h *SubscriberHub) subscribeIntent(s *SubscriberSession, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[hash]; ok {
		return nil
	}
	if len(s.subs) >= maxIntentSubscriptions {
		return types.NewError(types.KindBackPressure, "subscription limit (%d) reached", maxIntentSubscriptions)
	}

	bids := h.bus.Subscribe(types.ChanBidUpdate(hash))
	status := h.bus.Subscribe(types.ChanIntentStatus(hash))
	s.subs[hash] = []*bus.Subscription{bids, status}

	go h.forwardBids(s, bids)
	go h.forwardStatus(s, status)
	return nil
}

// unsubscribeIntent detaches the session from one intent. The forwarding
// goroutines exit when their bus channels close.
func (s *SubscriberSession) unsubscribeIntent(hash common.Hash) {
	s.mu.Lock()
	subs := s.subs[hash]
	delete(s.subs, hash)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (h *SubscriberHub) forwardBids(s *SubscriberSession, sub *bus.Subscription) {
	for msg := range sub.C {
		var update types.BidUpdateMsg
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			h.logger.Error("malformed bid update", "err", err)
			continue
		}
		h.enqueue(s, rawEnvelope(types.WSTypeBidReceived, msg.Payload))
		if update.Best {
			h.enqueue(s, rawEnvelope(types.WSTypeBestBidUpdated, msg.Payload))
		}
	}
}

func (h *SubscriberHub) forwardStatus(s *SubscriberSession, sub *bus.Subscription) {
	for msg := range sub.C {
		h.enqueue(s, rawEnvelope(types.WSTypeIntentUpdated, msg.Payload))
	}
}

func (h *SubscriberHub) enqueue(s *SubscriberSession, env types.WSEnvelope) {
	select {
	case s.send <- env:
	case <-s.done:
	default:
		h.logger.Warn("subscriber session over capacity, closing", "session", s.id)
		h.closeSession(s, CloseReasonBackPressure)
	}
}

func (h *SubscriberHub) closeSession(s *SubscriberSession, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		for _, subs := range s.subs {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
		}
		s.subs = nil
		s.mu.Unlock()

		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		h.metrics.ClientSessions.Dec()
		h.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		h.logger.Debug("subscriber disconnected", "session", s.id, "reason", reason)
	})
}

func (h *SubscriberHub) writePump(s *SubscriberSession) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				h.closeSession(s, CloseReasonError)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.closeSession(s, CloseReasonTimeout)
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump handles subscribe/unsubscribe/ping frames from the client.
func (h *SubscriberHub) readPump(s *SubscriberSession) {
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectionTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectionTimeout))
	})
	for {
		var env types.WSEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			reason := CloseReasonNormal
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = CloseReasonTimeout
			}
			h.closeSession(s, reason)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectionTimeout))

		switch env.Type {
		case types.WSTypeSubscribe:
			var payload subscribePayload
			if err := json.Unmarshal(env.Data, &payload); err != nil || payload.IntentHash == (common.Hash{}) {
				h.enqueue(s, types.NewWSEnvelope(types.WSTypeError, map[string]string{"message": "subscribe requires an intentHash"}))
				continue
			}
			if err := h.subscribeIntent(s, payload.IntentHash); err != nil {
				h.enqueue(s, types.NewWSEnvelope(types.WSTypeError, map[string]string{"message": err.Error()}))
				continue
			}
			h.enqueue(s, types.NewWSEnvelope(types.WSTypeSubConfirmed, subscribePayload{IntentHash: payload.IntentHash}))
		case types.WSTypeUnsubscribe:
			var payload subscribePayload
			if err := json.Unmarshal(env.Data, &payload); err == nil {
				s.unsubscribeIntent(payload.IntentHash)
			}
		case types.WSTypePing:
			h.enqueue(s, types.NewWSEnvelope(types.WSTypePong, nil))
		}
	}
}
