// Package types defines the core data model for the Intendly auction
// coordinator: user intents, solver bids, their lifecycle statuses, and the
// payloads exchanged over the message bus and the WebSocket surface.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// IntentStatus represents the lifecycle state of an intent.
type IntentStatus string

const (
	IntentStatusNew          IntentStatus = "NEW"
	IntentStatusBroadcasting IntentStatus = "BROADCASTING"
	IntentStatusBidding      IntentStatus = "BIDDING"
	IntentStatusFilled       IntentStatus = "FILLED"
	IntentStatusExpired      IntentStatus = "EXPIRED"
	IntentStatusCancelled    IntentStatus = "CANCELLED"
	IntentStatusFailed       IntentStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentStatusFilled, IntentStatusExpired, IntentStatusCancelled, IntentStatusFailed:
		return true
	}
	return false
}

// Accepting reports whether an intent in this status accepts new bids.
func (s IntentStatus) Accepting() bool {
	return s == IntentStatusBroadcasting || s == IntentStatusBidding
}

// BidStatus represents the lifecycle state of a bid.
type BidStatus string

const (
	BidStatusPending  BidStatus = "PENDING"
	BidStatusAccepted BidStatus = "ACCEPTED"
	BidStatusRejected BidStatus = "REJECTED"
	BidStatusExpired  BidStatus = "EXPIRED"
	BidStatusWon      BidStatus = "WON"
	BidStatusLost     BidStatus = "LOST"
	BidStatusInvalid  BidStatus = "INVALID"
)

// MaxSlippageBps is the upper bound for an intent's slippage tolerance.
const MaxSlippageBps = 10_000

// Bid TTL bounds in milliseconds.
const (
	MinBidTTLMs = 1_000
	MaxBidTTLMs = 300_000
)

// IntentPayload is the immutable, EIP-712 signed portion of an intent. The
// field order matches the primary type "Intent" of the IntentSettlement
// domain and must not be reordered.
type IntentPayload struct {
	TokenIn        common.Address `json:"tokenIn"`
	TokenOut       common.Address `json:"tokenOut"`
	AmountIn       *U256          `json:"amountIn"`
	MaxSlippageBps uint16         `json:"maxSlippageBps"`
	Deadline       uint64         `json:"deadline"` // unix seconds
	ChainID        uint64         `json:"chainId"`
	Receiver       common.Address `json:"receiver"`
	Nonce          *U256          `json:"nonce"`
}

// Intent is the durable record of an admitted intent: the signed payload
// plus coordinator-side metadata and mutable auction state.
type Intent struct {
	Hash      common.Hash    `json:"intentHash"`
	Payload   IntentPayload  `json:"payload"`
	Signature hexutil.Bytes  `json:"signature"`
	Signer    common.Address `json:"signer"`
	Status    IntentStatus   `json:"status"`
	BestBidID string         `json:"bestBidId,omitempty"`
	TotalBids int            `json:"totalBids"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Expired reports whether the intent's deadline has passed at the given
// instant.
func (in *Intent) Expired(now time.Time) bool {
	return !in.ExpiresAt.After(now)
}

// Clone returns a copy the caller may mutate without affecting the
// receiver. Byte slices are shared; they are never written after creation.
func (in *Intent) Clone() *Intent {
	c := *in
	c.Payload.AmountIn = in.Payload.AmountIn.Clone()
	c.Payload.Nonce = in.Payload.Nonce.Clone()
	return &c
}

// BidSubmission is a solver's signed quote for an intent as it arrives at
// the coordinator. The solver identity is never taken from the submission;
// it is recovered from the signature.
type BidSubmission struct {
	IntentHash   common.Hash   `json:"intentHash"`
	QuoteOut     *U256         `json:"quoteOut"`
	SolverFeeBps uint16        `json:"solverFeeBps"`
	CalldataHint hexutil.Bytes `json:"calldataHint"`
	TTLMs        uint32        `json:"ttlMs"`
	Signature    hexutil.Bytes `json:"signature"`
}

// Bid is the durable record of an admitted bid.
type Bid struct {
	ID           string         `json:"bidId"`
	IntentHash   common.Hash    `json:"intentHash"`
	SolverID     common.Address `json:"solverId"`
	QuoteOut     *U256          `json:"quoteOut"`
	SolverFeeBps uint16         `json:"solverFeeBps"`
	CalldataHint hexutil.Bytes  `json:"calldataHint"`
	TTLMs        uint32         `json:"ttlMs"`
	Signature    hexutil.Bytes  `json:"solverSignature"`
	ArrivedAt    time.Time      `json:"arrivedAt"`
	Score        float64        `json:"score"`
	Rank         int            `json:"rank"`
	Status       BidStatus      `json:"status"`
}

// Live reports whether the bid's own TTL still holds at the given instant.
func (b *Bid) Live(now time.Time) bool {
	return b.ArrivedAt.Add(time.Duration(b.TTLMs) * time.Millisecond).After(now)
}

// IntentReceipt is the admission pipeline's response to an intent
// submission.
type IntentReceipt struct {
	IntentHash      common.Hash `json:"intentHash"`
	BiddingWindowMs int64       `json:"biddingWindowMs"`
	ExpiresAt       time.Time   `json:"expiresAt"`
	Duplicate       bool        `json:"duplicate,omitempty"`
}

// BidReceipt is the auction controller's response to a bid submission.
type BidReceipt struct {
	Accepted bool    `json:"accepted"`
	BidID    string  `json:"bidId,omitempty"`
	Rank     int     `json:"rank,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// IntentStats summarises the intent store for the stats surface.
type IntentStats struct {
	Total    int64                  `json:"total"`
	ByStatus map[IntentStatus]int64 `json:"byStatus"`
	Last24h  int64                  `json:"last24h"`
}
