// Package api is the coordinator's JSON front door: intent and bid
// submission, auction reads, token issuance, health, and Prometheus
// exposition. All errors share one envelope; internal error kinds map to
// HTTP status codes at this boundary and nowhere else.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/cors"

	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/metrics"
	"github.com/anythingai/intendly/session"
	"github.com/anythingai/intendly/store"
	"github.com/anythingai/intendly/types"
)

// IntentSubmitter is the admission pipeline as the API sees it.
type IntentSubmitter interface {
	Submit(ctx context.Context, payload *types.IntentPayload, sig []byte) (*types.IntentReceipt, error)
}

// BidSubmitter is the auction controller as the API sees it.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, sub *types.BidSubmission) (*types.BidReceipt, error)
	ConfirmSettlement(ctx context.Context, hash common.Hash, settler common.Address) error
	WindowClosesAt(hash common.Hash) (time.Time, bool)
	OpenAuctions() int
}

// Config holds the API middleware settings.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	AllowedOrigins  []string

	// Probe checks backing storage for the health endpoint. Nil means
	// the in-memory stores are in use and storage is always healthy.
	Probe func(ctx context.Context) error
	// SessionCounts reports the live solver and subscriber sessions.
	SessionCounts func() (solvers, subscribers int)
}

// Server carries the handler dependencies.
type Server struct {
	logger  *log.Logger
	cfg     Config
	intake  IntentSubmitter
	auction BidSubmitter
	intents store.Intents
	bids    store.Bids
	issuer  *session.TokenIssuer
	metrics *metrics.Set
	limiter *remoteLimiter
	started time.Time
}

// NewServer creates the API server.
func NewServer(cfg Config, intake IntentSubmitter, auction BidSubmitter,
	intents store.Intents, bids store.Bids, issuer *session.TokenIssuer,
	set *metrics.Set, logger *log.Logger) *Server {
	return &Server{
		logger:  logger.Module("api"),
		cfg:     cfg,
		intake:  intake,
		auction: auction,
		intents: intents,
		bids:    bids,
		issuer:  issuer,
		metrics: set,
		limiter: newRemoteLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		started: time.Now(),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/intents", s.handleSubmitIntent)
	mux.HandleFunc("GET /api/intents", s.handleIntentStats)
	mux.HandleFunc("GET /api/intents/{hash}", s.handleGetIntent)
	mux.HandleFunc("GET /api/intents/{hash}/status", s.handleIntentStatus)
	mux.HandleFunc("GET /api/intents/{hash}/best-bid", s.handleBestBid)
	mux.HandleFunc("POST /api/intents/{hash}/settled", s.handleConfirmSettlement)
	mux.HandleFunc("POST /api/bids", s.handleSubmitBid)
	mux.HandleFunc("POST /api/auth/token", s.handleIssueToken)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(s.rateLimit(mux))
}

// rateLimit rejects remotes over their request budget. Health and
// metrics probes are exempt.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			if !s.limiter.Allow(remoteKey(r)) {
				s.writeError(w, types.NewError(types.KindRateLimited, "request budget exhausted, retry later"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// submitIntentRequest is the POST /api/intents body.
type submitIntentRequest struct {
	Intent    *types.IntentPayload `json:"intent"`
	Signature hexutil.Bytes        `json:"signature"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req submitIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.intake.Submit(r.Context(), req.Intent, req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec.Duplicate {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"status":          "duplicate",
			"intentHash":      rec.IntentHash,
			"biddingWindowMs": rec.BiddingWindowMs,
			"expiresAt":       rec.ExpiresAt,
		})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"status":          "success",
		"intentHash":      rec.IntentHash,
		"biddingWindowMs": rec.BiddingWindowMs,
		"expiresAt":       rec.ExpiresAt,
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	in, err := s.findIntent(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	in, err := s.findIntent(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    in.Status,
		"updatedAt": in.UpdatedAt,
	})
}

func (s *Server) handleBestBid(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	in, err := s.findIntent(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"bid":       nil,
		"totalBids": in.TotalBids,
	}
	if closesAt, ok := s.auction.WindowClosesAt(hash); ok {
		resp["windowClosesAt"] = closesAt
	}
	if in.BestBidID != "" {
		bid, err := s.bids.FindByID(r.Context(), in.BestBidID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.writeError(w, types.WrapError(types.KindStorageUnavailable, err, "best bid lookup"))
			return
		}
		if bid != nil {
			resp["bid"] = bid
			resp["score"] = bid.Score
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	solver, err := s.bearerSolver(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var sub types.BidSubmission
	if err := decodeJSON(r, &sub); err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.auction.SubmitBid(r.Context(), &sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Debug("bid accepted over http", "intent", sub.IntentHash.Hex(), "solver", solver.Hex(), "bid", rec.BidID)
	s.writeJSON(w, http.StatusCreated, rec)
}

// handleConfirmSettlement flips an intent to FILLED after the winning
// solver reports on-chain settlement.
func (s *Server) handleConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	solver, err := s.bearerSolver(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.auction.ConfirmSettlement(r.Context(), hash, solver); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("settlement confirmed over http", "intent", hash.Hex(), "solver", solver.Hex())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"intentHash": hash,
		"state":      types.IntentStatusFilled,
	})
}

// tokenRequest is the POST /api/auth/token body.
type tokenRequest struct {
	Subject  string `json:"subject"`
	Audience string `json:"audience"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.issuer.Issue(req.Subject, req.Audience)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"token":    token,
		"audience": req.Audience,
	})
}

func (s *Server) handleIntentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.intents.Stats(r.Context())
	if err != nil {
		s.writeError(w, types.WrapError(types.KindStorageUnavailable, err, "intent stats"))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	storage := "ok"
	if s.cfg.Probe != nil {
		if err := s.cfg.Probe(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			storage = err.Error()
		}
	}
	body := map[string]any{
		"status":        status,
		"storage":       storage,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"openAuctions":  s.auction.OpenAuctions(),
		"timestamp":     time.Now().UTC(),
	}
	if s.cfg.SessionCounts != nil {
		solvers, subscribers := s.cfg.SessionCounts()
		body["solverSessions"] = solvers
		body["subscriberSessions"] = subscribers
	}
	s.writeJSON(w, code, body)
}

// bearerSolver authenticates a solver bearer token.
func (s *Server) bearerSolver(r *http.Request) (common.Address, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return common.Address{}, types.NewError(types.KindUnauthorized, "missing bearer token")
	}
	return s.issuer.VerifySolver(token)
}

func (s *Server) findIntent(ctx context.Context, hash common.Hash) (*types.Intent, error) {
	in, err := s.intents.FindByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.KindNotFound, "unknown intent %s", hash.Hex())
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "intent lookup")
	}
	return in, nil
}

func parseHash(raw string) (common.Hash, error) {
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		return common.Hash{}, types.FieldError("hash", "must be a 0x-prefixed 32-byte hex string")
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return common.Hash{}, types.FieldError("hash", "invalid hex: %v", err)
	}
	return common.BytesToHash(b), nil
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.WrapError(types.KindInvalidInput, err, "malformed request body")
	}
	return nil
}

// errorEnvelope is the shared error shape.
type errorEnvelope struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := statusForKind(kind)

	msg := err.Error()
	if kind == types.KindInternal {
		// Never leak internals on 500s.
		s.logger.Error("internal error", "err", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorEnvelope{
		Status:    "error",
		Message:   msg,
		Code:      kind.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

// statusForKind maps internal error kinds to HTTP status codes.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidInput, types.KindInvalidSignature:
		return http.StatusBadRequest
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindDuplicate, types.KindStateConflict:
		return http.StatusConflict
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case types.KindBackPressure, types.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
