package types

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Message bus channels. Per-intent channels are derived with the helper
// functions below.
const (
	ChanSolverIntents = "solver:intents"
	ChanBidSelection  = "coordinator:bid_selection"
	ChanBidResults    = "solver:bid_results"

	chanBidUpdatePrefix    = "ws:bid_update:"
	chanIntentStatusPrefix = "ws:intent_status:"
)

// ChanBidUpdate returns the per-intent bid update channel.
func ChanBidUpdate(hash common.Hash) string {
	return chanBidUpdatePrefix + hash.Hex()
}

// ChanIntentStatus returns the per-intent status channel.
func ChanIntentStatus(hash common.Hash) string {
	return chanIntentStatusPrefix + hash.Hex()
}

// IntentCreatedMsg is published on solver:intents when a new intent is
// admitted and broadcast to solvers.
type IntentCreatedMsg struct {
	IntentHash      common.Hash   `json:"intentHash"`
	Intent          IntentPayload `json:"intent"`
	BiddingWindowMs int64         `json:"biddingWindowMs"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// BidUpdateMsg is published on ws:bid_update:<hash> for every admitted bid.
// Best is set when the bid is the auction's new leader.
type BidUpdateMsg struct {
	IntentHash   common.Hash    `json:"intentHash"`
	BidID        string         `json:"bidId"`
	SolverID     common.Address `json:"solverId"`
	Rank         int            `json:"rank"`
	Score        float64        `json:"score"`
	QuoteOut     *U256          `json:"quoteOut"`
	SolverFeeBps uint16         `json:"solverFeeBps"`
	TotalBids    int            `json:"totalBids"`
	Best         bool           `json:"best,omitempty"`
}

// IntentStatusMsg is published on ws:intent_status:<hash> on every status
// transition.
type IntentStatusMsg struct {
	IntentHash common.Hash  `json:"intentHash"`
	Status     IntentStatus `json:"status"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// BidSelectionMsg is published on coordinator:bid_selection for the
// downstream settler when an auction selects a winner.
type BidSelectionMsg struct {
	IntentHash   common.Hash    `json:"intentHash"`
	BidID        string         `json:"bidId"`
	QuoteOut     *U256          `json:"quoteOut"`
	SolverFeeBps uint16         `json:"solverFeeBps"`
	CalldataHint []byte         `json:"calldataHint"`
	SolverID     common.Address `json:"solverId"`
	Timestamp    time.Time      `json:"timestamp"`
}

// BidResultMsg is published on solver:bid_results after window close; the
// solver session manager routes each entry to the owning solver.
type BidResultMsg struct {
	IntentHash common.Hash    `json:"intentHash"`
	BidID      string         `json:"bidId"`
	SolverID   common.Address `json:"solverId"`
	Won        bool           `json:"won"`
}

// WebSocket envelope and message types shared by the solver and subscriber
// session managers.
const (
	WSTypeAuth         = "auth"
	WSTypeAuthResponse = "auth_response"
	WSTypeSubscribe    = "subscribe"
	WSTypeUnsubscribe  = "unsubscribe"
	WSTypeSubConfirmed = "subscription_confirmed"
	WSTypePing         = "ping"
	WSTypePong         = "pong"
	WSTypeError        = "error"

	WSTypeIntentCreated  = "IntentCreated"
	WSTypeBidReceived    = "BidReceived"
	WSTypeBestBidUpdated = "BestBidUpdated"
	WSTypeIntentUpdated  = "IntentUpdated"
	WSTypeBidResult      = "bid_result"
)

// WSEnvelope is the JSON frame exchanged over WebSocket sessions.
type WSEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
}

// NewWSEnvelope wraps a payload into an envelope stamped with the current
// time. Marshal failures are impossible for the fixed payload types and
// yield an empty data field if they somehow occur.
func NewWSEnvelope(typ string, data any) WSEnvelope {
	raw, _ := json.Marshal(data)
	return WSEnvelope{Type: typ, Timestamp: time.Now().UTC(), Data: raw}
}
