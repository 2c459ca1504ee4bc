package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSessionStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(testSecret, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("expected valid token, ok=%v err=%v", ok, err)
	}
	if userID != "user-1" {
		t.Fatalf("unexpected subject %q", userID)
	}
}

func TestJWTSessionStoreRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("short", time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, err := NewJWTSessionStore(testSecret, 0, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected zero ttl to be rejected")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a", Leeway: time.Second})
	verify := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b", Leeway: time.Second})

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRejectsForeignSecret(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	other, err := NewJWTSessionStore(strings.Repeat("z", MinSessionSecretBytes), time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new other store: %v", err)
	}
	token, err := other.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected foreign token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRejectsNoneAlgorithm(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        "jti",
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(unsigned); err == nil || ok {
		t.Fatalf("expected alg=none token to fail")
	}
}

func TestJWTSessionStoreRejectsExpired(t *testing.T) {
	s, err := NewJWTSessionStore(testSecret, time.Minute, nil, JWTOptions{Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(past),
		ID:        "jti-expired",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); !errors.Is(err, ErrSessionRevoked) || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession("garbage"); err != nil {
		t.Fatalf("deleting an invalid token should be a no-op, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newTestSessionStore(t, revoker, JWTOptions{})

	token, err := s.NewSession("user-cutoff")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions("user-cutoff", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); !errors.Is(err, ErrSessionRevoked) || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreAcceptsSessionAfterCutoff(t *testing.T) {
	revokers := map[string]TokenRevoker{
		"memory": NewMemoryTokenRevoker(),
		"redis":  newTestRedisRevoker(t),
	}
	for name, revoker := range revokers {
		t.Run(name, func(t *testing.T) {
			s := newTestSessionStore(t, revoker, JWTOptions{})

			old, err := s.NewSession("user-relogin")
			if err != nil {
				t.Fatalf("new session: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
			if err := s.RevokeUserSessions("user-relogin", time.Now().UTC()); err != nil {
				t.Fatalf("revoke user: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
			fresh, err := s.NewSession("user-relogin")
			if err != nil {
				t.Fatalf("new session: %v", err)
			}

			if _, ok, err := s.GetUserIDByToken(old); !errors.Is(err, ErrSessionRevoked) || ok {
				t.Fatalf("expected old session revoked, ok=%v err=%v", ok, err)
			}
			got, ok, err := s.GetUserIDByToken(fresh)
			if err != nil || !ok || got != "user-relogin" {
				t.Fatalf("expected session issued after cutoff to resolve, got %q ok=%v err=%v", got, ok, err)
			}
		})
	}
}

func TestJWTSessionStoreCutoffWithoutMillisecondClaim(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newTestSessionStore(t, revoker, JWTOptions{})
	issued := time.Now().Add(-10 * time.Second)
	claims := jwt.RegisteredClaims{
		Subject:   "user-legacy",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(issued.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issued),
		ID:        "jti-legacy",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err != nil || !ok {
		t.Fatalf("expected token to resolve before cutoff, ok=%v err=%v", ok, err)
	}
	if err := s.RevokeUserSessions("user-legacy", time.Now()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); !errors.Is(err, ErrSessionRevoked) || ok {
		t.Fatalf("expected token without iat_ms to be revoked, ok=%v err=%v", ok, err)
	}
}
