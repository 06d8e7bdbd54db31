package session

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anythingai/intendly/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, ttl time.Duration) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(testSecret, "intendly-test", ttl)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestIssuerRejectsWeakSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short", "x", time.Minute); err == nil {
		t.Fatal("weak secret accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	solver := common.HexToAddress("0x3333333333333333333333333333333333333333")

	token, err := issuer.Issue(solver.Hex(), AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := issuer.VerifySolver(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != solver {
		t.Fatalf("subject = %s, want %s", got.Hex(), solver.Hex())
	}
}

func TestTokenAudienceMismatch(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	token, err := issuer.Issue("client-42", AudienceWebsocket)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.VerifySolver(token); types.KindOf(err) != types.KindUnauthorized {
		t.Fatalf("got %v, want Unauthorized", err)
	}
	if _, err := issuer.Verify(token, AudienceWebsocket); err != nil {
		t.Fatalf("correct audience rejected: %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	issuer := newTestIssuer(t, time.Millisecond)

	token, err := issuer.Issue("client-1", AudienceWebsocket)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := issuer.Verify(token, AudienceWebsocket); types.KindOf(err) != types.KindUnauthorized {
		t.Fatalf("got %v, want Unauthorized", err)
	}
}

func TestTokenTampered(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	token, err := issuer.Issue("client-1", AudienceWebsocket)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mangled := token[:len(token)-2] + "xx"
	if _, err := issuer.Verify(mangled, AudienceWebsocket); types.KindOf(err) != types.KindUnauthorized {
		t.Fatalf("got %v, want Unauthorized", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	other, err := NewTokenIssuer("ffffffffffffffffffffffffffffffff", "intendly-test", time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := other.Issue("client-1", AudienceWebsocket)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token, AudienceWebsocket); types.KindOf(err) != types.KindUnauthorized {
		t.Fatalf("got %v, want Unauthorized", err)
	}
}

func TestIssueRejectsBadInputs(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	if _, err := issuer.Issue("subject", "admin"); types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("unknown audience: got %v, want InvalidInput", err)
	}
	if _, err := issuer.Issue("", AudienceWebsocket); types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("empty subject: got %v, want InvalidInput", err)
	}
	if _, err := issuer.Issue("not-an-address", AudienceSolver); types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("non-address solver subject: got %v, want InvalidInput", err)
	}
}
