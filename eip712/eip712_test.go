package eip712

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/anythingai/intendly/types"
)

var testSettlement = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testPayload() *types.IntentPayload {
	return &types.IntentPayload{
		TokenIn:        common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		TokenOut:       common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		AmountIn:       types.NewU256(1_000_000_000),
		MaxSlippageBps: 300,
		Deadline:       1_900_000_000,
		ChainID:        1,
		Receiver:       common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Nonce:          types.NewU256(7),
	}
}

func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestIntentHashDeterministic(t *testing.T) {
	v := NewVerifier(1, testSettlement)
	h1 := v.IntentHash(testPayload())
	h2 := v.IntentHash(testPayload())
	if h1 != h2 {
		t.Fatal("identical payloads must hash identically")
	}

	// Any field change moves the digest.
	p := testPayload()
	p.MaxSlippageBps = 301
	if v.IntentHash(p) == h1 {
		t.Fatal("changed payload must change the hash")
	}

	// A different domain (chain) moves the digest too.
	p2 := testPayload()
	p2.ChainID = 10
	if NewVerifier(10, testSettlement).IntentHash(p2) == h1 {
		t.Fatal("different domain must change the hash")
	}
}

func TestVerifyIntentRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	v := NewVerifier(1, testSettlement)
	p := testPayload()
	sig := signDigest(t, key, v.IntentHash(p))

	got, err := v.VerifyIntent(p, sig)
	if err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s, want %s", got.Hex(), want.Hex())
	}
}

func TestVerifyIntentLegacyV(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(1, testSettlement)
	p := testPayload()
	sig := signDigest(t, key, v.IntentHash(p))
	sig[64] += 27 // wallet-style 27/28 recovery id

	got, err := v.VerifyIntent(p, sig)
	if err != nil {
		t.Fatalf("VerifyIntent with v=27/28: %v", err)
	}
	if got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("recovered wrong signer")
	}
}

func TestVerifyIntentChainMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(1, testSettlement)
	p := testPayload()
	p.ChainID = 137
	sig := signDigest(t, key, v.IntentHash(testPayload()))

	if _, err := v.VerifyIntent(p, sig); !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("expected ErrChainMismatch, got %v", err)
	}
}

func TestRecoverSignerRejectsHighS(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(1, testSettlement)
	digest := v.IntentHash(testPayload())
	sig := signDigest(t, key, digest)

	// Flip s to the upper half of the curve order: s' = N - s.
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(n, s)
	s.FillBytes(sig[32:64])
	sig[64] ^= 1

	if _, err := RecoverSigner(digest, sig); !errors.Is(err, ErrSignatureValues) {
		t.Fatalf("expected ErrSignatureValues for high-s, got %v", err)
	}
}

func TestRecoverSignerRejectsBadLength(t *testing.T) {
	digest := NewVerifier(1, testSettlement).IntentHash(testPayload())
	if _, err := RecoverSigner(digest, make([]byte, 64)); !errors.Is(err, ErrSignatureLength) {
		t.Fatalf("expected ErrSignatureLength, got %v", err)
	}
}

func TestVerifyIntentTamperedPayload(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(1, testSettlement)
	p := testPayload()
	sig := signDigest(t, key, v.IntentHash(p))

	tampered := testPayload()
	tampered.AmountIn = types.NewU256(2_000_000_000)

	got, err := v.VerifyIntent(tampered, sig)
	if err == nil && got == crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("tampered payload must not recover the original signer")
	}
}

func TestVerifyBidRoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	solver := crypto.PubkeyToAddress(key.PublicKey)
	v := NewVerifier(1, testSettlement)

	bid := &types.BidSubmission{
		IntentHash:   common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000"),
		QuoteOut:     types.NewU256(950_000_000),
		SolverFeeBps: 15,
		CalldataHint: []byte{0x01, 0x02, 0x03, 0x04, 0x05},
		TTLMs:        30_000,
	}
	bid.Signature = signDigest(t, key, v.BidDigest(bid))

	got, err := v.VerifyBid(bid)
	if err != nil {
		t.Fatalf("VerifyBid: %v", err)
	}
	if got != solver {
		t.Fatalf("recovered %s, want %s", got.Hex(), solver.Hex())
	}

	// Changing the fee invalidates the signature binding.
	bid.SolverFeeBps = 16
	got, err = v.VerifyBid(bid)
	if err == nil && got == solver {
		t.Fatal("tampered bid must not recover the original solver")
	}
}
