// Package eip712 implements EIP-712 typed-data hashing and signature
// verification for intents and bids. The struct hashes produced here must
// stay bit-identical to what the on-chain settlement contracts compute, so
// the encoding is spelled out field by field rather than derived from
// reflection.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/anythingai/intendly/types"
)

// Signature and domain constants.
const (
	// SignatureLength is the canonical r||s||v ECDSA signature size.
	SignatureLength = 65

	intentDomainName = "IntentSettlement"
	bidDomainName    = "IntentBidding"
	domainVersion    = "1"
)

var (
	ErrSignatureLength = errors.New("eip712: signature must be 65 bytes")
	ErrSignatureValues = errors.New("eip712: signature values invalid or not low-s")
	ErrRecoveryFailed  = errors.New("eip712: public key recovery failed")
	ErrChainMismatch   = errors.New("eip712: payload chainId differs from configured chain")
)

// Type hashes, precomputed once. Field order follows the wire contracts.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	intentTypeHash = crypto.Keccak256Hash([]byte(
		"Intent(address tokenIn,address tokenOut,uint256 amountIn,uint16 maxSlippageBps,uint256 deadline,uint256 chainId,address receiver,uint256 nonce)"))
	bidTypeHash = crypto.Keccak256Hash([]byte(
		"Bid(bytes32 intentHash,uint256 quoteOut,uint16 solverFeeBps,bytes calldataHint,uint32 ttlMs)"))
)

// Verifier computes canonical digests and recovers signers for the two
// deployment-bound EIP-712 domains.
type Verifier struct {
	chainID         uint64
	intentSeparator common.Hash
	bidSeparator    common.Hash
}

// NewVerifier builds a Verifier for the deployment's chain and settlement
// contract.
func NewVerifier(chainID uint64, settlementContract common.Address) *Verifier {
	return &Verifier{
		chainID:         chainID,
		intentSeparator: domainSeparator(intentDomainName, chainID, settlementContract),
		bidSeparator:    domainSeparator(bidDomainName, chainID, settlementContract),
	}
}

// ChainID returns the chain the verifier is bound to.
func (v *Verifier) ChainID() uint64 { return v.chainID }

// IntentHash returns the canonical signing digest of an intent payload.
// This digest is the intent's identity across all layers.
func (v *Verifier) IntentHash(p *types.IntentPayload) common.Hash {
	structHash := crypto.Keccak256Hash(
		intentTypeHash.Bytes(),
		addressWord(p.TokenIn),
		addressWord(p.TokenOut),
		u256Word(p.AmountIn),
		uintWord(uint64(p.MaxSlippageBps)),
		uintWord(p.Deadline),
		uintWord(p.ChainID),
		addressWord(p.Receiver),
		u256Word(p.Nonce),
	)
	return signingDigest(v.intentSeparator, structHash)
}

// BidDigest returns the canonical signing digest of a bid submission.
func (v *Verifier) BidDigest(b *types.BidSubmission) common.Hash {
	structHash := crypto.Keccak256Hash(
		bidTypeHash.Bytes(),
		b.IntentHash.Bytes(),
		u256Word(b.QuoteOut),
		uintWord(uint64(b.SolverFeeBps)),
		crypto.Keccak256(b.CalldataHint),
		uintWord(uint64(b.TTLMs)),
	)
	return signingDigest(v.bidSeparator, structHash)
}

// VerifyIntent recovers the signer of an intent payload. It rejects
// payloads bound to a different chain and signatures that are malformed,
// high-s, or unrecoverable.
func (v *Verifier) VerifyIntent(p *types.IntentPayload, sig []byte) (common.Address, error) {
	if p.ChainID != v.chainID {
		return common.Address{}, fmt.Errorf("%w: got %d, want %d", ErrChainMismatch, p.ChainID, v.chainID)
	}
	return RecoverSigner(v.IntentHash(p), sig)
}

// VerifyBid recovers the solver that signed a bid submission.
func (v *Verifier) VerifyBid(b *types.BidSubmission) (common.Address, error) {
	return RecoverSigner(v.BidDigest(b), b.Signature)
}

// RecoverSigner recovers the address that produced sig over digest. The
// signature's v byte may be 0/1 or 27/28; s must be in the lower half of
// the curve order.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: got %d", ErrSignatureLength, len(sig))
	}

	norm := make([]byte, SignatureLength)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	r := new(big.Int).SetBytes(norm[:32])
	s := new(big.Int).SetBytes(norm[32:64])
	if !crypto.ValidateSignatureValues(norm[64], r, s, true) {
		return common.Address{}, ErrSignatureValues
	}

	pub, err := crypto.SigToPub(digest.Bytes(), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// domainSeparator hashes the EIP712Domain struct for the given name.
func domainSeparator(name string, chainID uint64, contract common.Address) common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(name)),
		crypto.Keccak256([]byte(domainVersion)),
		uintWord(chainID),
		addressWord(contract),
	)
}

// signingDigest assembles the final \x19\x01 digest.
func signingDigest(separator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash.Bytes())
}

// addressWord left-pads an address to a 32-byte ABI word.
func addressWord(a common.Address) []byte {
	var w [32]byte
	copy(w[12:], a.Bytes())
	return w[:]
}

// uintWord encodes a uint64 as a 32-byte big-endian ABI word.
func uintWord(v uint64) []byte {
	var w [32]byte
	w[24] = byte(v >> 56)
	w[25] = byte(v >> 48)
	w[26] = byte(v >> 40)
	w[27] = byte(v >> 32)
	w[28] = byte(v >> 24)
	w[29] = byte(v >> 16)
	w[30] = byte(v >> 8)
	w[31] = byte(v)
	return w[:]
}

// u256Word encodes a 256-bit value as a 32-byte ABI word. Nil is zero.
func u256Word(v *types.U256) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	w := v.Bytes32()
	return w[:]
}
