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

// WebSocket session constants shared by both hubs.
const (
	// wsMaxMessageSize is the maximum size of a single inbound frame.
	wsMaxMessageSize = 1 << 20
	// wsWriteTimeout is the deadline for a single write.
	wsWriteTimeout = 10 * time.Second
	// wsAuthTimeout bounds the wait for the first (auth) frame.
	wsAuthTimeout = 10 * time.Second
)

// Session close reasons, used as the sessions_closed metric label.
const (
	CloseReasonNormal       = "normal"
	CloseReasonBackPressure = "backpressure"
	CloseReasonTimeout      = "timeout"
	CloseReasonError        = "error"
	CloseReasonShutdown     = "shutdown"
)

// HubConfig holds the liveness and capacity settings for a session hub.
type HubConfig struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	OutboundQueue     int
	MaxSessions       int
}

// authPayload is the data field of the initial auth frame.
type authPayload struct {
	Token string `json:"token"`
}

// authResponse acknowledges a successful handshake.
type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	SessionID     uint64 `json:"sessionId"`
	Subject       string `json:"subject,omitempty"`
}

// SolverHub manages authenticated solver connections: intent fan-out on
// admission and per-solver bid results after window close.
type SolverHub struct {
	logger  *log.Logger
	cfg     HubConfig
	issuer  *TokenIssuer
	bus     bus.Bus
	metrics *metrics.Set

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uint64]*SolverSession
	nextID   atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// SolverSession is one live solver connection.
type SolverSession struct {
	id     uint64
	solver common.Address
	conn   *websocket.Conn
	send   chan types.WSEnvelope
	done   chan struct{}
	once   sync.Once
}

// NewSolverHub creates the hub. Start must be called before serving
// connections.
func NewSolverHub(cfg HubConfig, issuer *TokenIssuer, msgBus bus.Bus, set *metrics.Set, logger *log.Logger) *SolverHub {
	return &SolverHub{
		logger:  logger.Module("solver-hub"),
		cfg:     cfg,
		issuer:  issuer,
		bus:     msgBus,
		metrics: set,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[uint64]*SolverSession),
		stop:     make(chan struct{}),
	}
}

// Start subscribes the hub to the intent fan-out and bid result channels.
func (h *SolverHub) Start() {
	intents := h.bus.Subscribe(types.ChanSolverIntents)
	results := h.bus.Subscribe(types.ChanBidResults)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer intents.Unsubscribe()
		defer results.Unsubscribe()
		for {
			select {
			case msg, ok := <-intents.C:
				if !ok {
					return
				}
				h.broadcast(rawEnvelope(types.WSTypeIntentCreated, msg.Payload))
			case msg, ok := <-results.C:
				if !ok {
					return
				}
				var res types.BidResultMsg
				if err := json.Unmarshal(msg.Payload, &res); err != nil {
					h.logger.Error("malformed bid result", "err", err)
					continue
				}
				h.notifySolver(res.SolverID, rawEnvelope(types.WSTypeBidResult, msg.Payload))
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop closes all sessions and halts the fan-out loop.
func (h *SolverHub) Stop() {
	close(h.stop)
	h.mu.Lock()
	sessions := make([]*SolverSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		h.closeSession(s, CloseReasonShutdown)
	}
	h.wg.Wait()
}

// SessionCount reports the number of live solver sessions.
func (h *SolverHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (h *SolverHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	solver, err := h.authenticate(conn)
	if err != nil {
		h.logger.Warn("solver handshake rejected", "remote", r.RemoteAddr, "err", err)
		writeEnvelope(conn, types.NewWSEnvelope(types.WSTypeError, map[string]string{"message": "authentication failed"}))
		conn.Close()
		return
	}

	s := &SolverSession{
		id:     h.nextID.Add(1),
		solver: solver,
		conn:   conn,
		send:   make(chan types.WSEnvelope, h.cfg.OutboundQueue),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.metrics.SolverSessions.Inc()
	h.logger.Info("solver connected", "session", s.id, "solver", solver.Hex())

	s.send <- types.NewWSEnvelope(types.WSTypeAuthResponse, authResponse{
		Authenticated: true, SessionID: s.id, Subject: solver.Hex(),
	})

	go h.writePump(s)
	h.readPump(s)
}

// authenticate waits for the auth frame and verifies its token.
func (h *SolverHub) authenticate(conn *websocket.Conn) (common.Address, error) {
	conn.SetReadLimit(wsMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(wsAuthTimeout)); err != nil {
		return common.Address{}, err
	}
	var env types.WSEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return common.Address{}, types.WrapError(types.KindUnauthorized, err, "read auth frame")
	}
	if env.Type != types.WSTypeAuth {
		return common.Address{}, types.NewError(types.KindUnauthorized, "first frame must be auth, got %q", env.Type)
	}
	var payload authPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return common.Address{}, types.WrapError(types.KindUnauthorized, err, "parse auth frame")
	}
	return h.issuer.VerifySolver(payload.Token)
}

// broadcast enqueues an envelope to every session, closing any whose
// outbound queue is full.
func (h *SolverHub) broadcast(env types.WSEnvelope) {
	h.mu.RLock()
	sessions := make([]*SolverSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		h.enqueue(s, env)
	}
}

// notifySolver routes an envelope to the sessions of one solver.
func (h *SolverHub) notifySolver(solver common.Address, env types.WSEnvelope) {
	h.mu.RLock()
	var targets []*SolverSession
	for _, s := range h.sessions {
		if s.solver == solver {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.enqueue(s, env)
	}
}

// enqueue delivers without blocking. A full queue means the solver
// cannot keep up; the session is closed rather than stalling fan-out.
func (h *SolverHub) enqueue(s *SolverSession, env types.WSEnvelope) {
	select {
	case s.send <- env:
	case <-s.done:
	default:
		h.logger.Warn("solver session over capacity, closing", "session", s.id, "solver", s.solver.Hex())
		h.closeSession(s, CloseReasonBackPressure)
	}
}

// closeSession tears a session down exactly once.
func (h *SolverHub) closeSession(s *SolverSession, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		h.metrics.SolverSessions.Dec()
		h.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		h.logger.Info("solver disconnected", "session", s.id, "solver", s.solver.Hex(), "reason", reason)
	})
}

// writePump drains the outbound queue and keeps the heartbeat going.
func (h *SolverHub) writePump(s *SolverSession) {
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

// readPump consumes inbound frames. Solvers only send application-level
// pings; anything else is ignored. Pong frames extend the read deadline.
func (h *SolverHub) readPump(s *SolverSession) {
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
		if env.Type == types.WSTypePing {
			s.conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectionTimeout))
			h.enqueue(s, types.NewWSEnvelope(types.WSTypePong, nil))
		}
	}
}

// rawEnvelope wraps an already JSON-encoded bus payload without a
// re-marshal round trip.
func rawEnvelope(typ string, payload []byte) types.WSEnvelope {
	return types.WSEnvelope{Type: typ, Timestamp: time.Now().UTC(), Data: payload}
}

// writeEnvelope performs a best-effort direct write outside a session's
// write pump, for pre-registration errors only.
func writeEnvelope(conn *websocket.Conn, env types.WSEnvelope) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(env)
}
