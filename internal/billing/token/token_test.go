package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	i, err := NewIssuer(Config{
		Secret:    testSecret,
		Issuer:    "labeldesk-billing",
		Audience:  "labeldesk-desktop",
		AccessTTL: 15 * time.Minute,
	}, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return i
}

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewIssuer(Config{Secret: "short", Issuer: "a", Audience: "b"})
	if err == nil {
		t.Error("expected error for short secret")
	}
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, &now)

	tok, exp, err := i.Issue(42, "dev-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("expires = %v, want %v", exp, now.Add(15*time.Minute))
	}

	claims, err := i.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	id, _ := claims.UserID()
	if id != 42 {
		t.Errorf("user id = %d, want 42", id)
	}
	if claims.DeviceID != "dev-1" {
		t.Errorf("device id = %q, want dev-1", claims.DeviceID)
	}
	if claims.ID == "" {
		t.Error("expected jti to be set")
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, &now)

	tok, _, _ := i.Issue(42, "dev-1")
	now = now.Add(16 * time.Minute)
	if _, err := i.Verify(tok); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestVerifyWrongAudience(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, &now)

	other, err := NewIssuer(Config{
		Secret:   testSecret,
		Issuer:   "labeldesk-billing",
		Audience: "someone-else",
	}, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	tok, _, _ := other.Issue(42, "dev-1")
	if _, err := i.Verify(tok); err == nil {
		t.Error("expected token for another audience to be rejected")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, &now)

	other, _ := NewIssuer(Config{
		Secret:   strings.Repeat("x", 32),
		Issuer:   "labeldesk-billing",
		Audience: "labeldesk-desktop",
	}, WithClock(func() time.Time { return now }))
	tok, _, _ := other.Issue(42, "dev-1")
	if _, err := i.Verify(tok); err == nil {
		t.Error("expected token signed with another secret to be rejected")
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, &now)

	claims := Claims{
		DeviceID: "dev-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    "labeldesk-billing",
			Audience:  jwt.ClaimStrings{"labeldesk-desktop"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := i.Verify(tok); err == nil {
		t.Error("expected alg=none token to be rejected")
	}
}

func TestRefreshTokenHash(t *testing.T) {
	plain, hash, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("new refresh token: %v", err)
	}
	if plain == "" || hash == "" || plain == hash {
		t.Fatalf("plain=%q hash=%q", plain, hash)
	}
	if HashRefreshToken(plain) != hash {
		t.Error("hash is not deterministic")
	}
	other, _, _ := NewRefreshToken()
	if other == plain {
		t.Error("expected unique refresh tokens")
	}
}
