package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/physlab/roomsync/internal/platform/errors"
)

const testSecret = "test-session-secret"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims sessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims(subject string) sessionClaims {
	return sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "roomsync-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Ada",
	}
}

func TestNewTokenVerifierRequiresSecret(t *testing.T) {
	if NewTokenVerifier("  ", "issuer") != nil {
		t.Fatal("expected nil verifier without a secret")
	}
	var v *TokenVerifier
	if _, err := v.Verify("token"); err == nil {
		t.Fatal("expected error from nil verifier")
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := NewTokenVerifier(testSecret, "roomsync-test")
	session, err := v.Verify(signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("participant-1")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if session.ParticipantID != "participant-1" || session.DisplayName != "Ada" || session.ExpiresAt.IsZero() {
		t.Fatalf("session = %+v", session)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewTokenVerifier(testSecret, "roomsync-test")

	expired := validClaims("p")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims("p")
	noExpiry.ExpiresAt = nil
	wrongIssuer := validClaims("p")
	wrongIssuer.Issuer = "elsewhere"
	noSubject := validClaims(" ")

	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"expired":       signToken(t, jwt.SigningMethodHS256, testSecret, expired),
		"no expiry":     signToken(t, jwt.SigningMethodHS256, testSecret, noExpiry),
		"wrong secret":  signToken(t, jwt.SigningMethodHS256, "other-secret", validClaims("p")),
		"wrong method":  signToken(t, jwt.SigningMethodHS512, testSecret, validClaims("p")),
		"wrong issuer":  signToken(t, jwt.SigningMethodHS256, testSecret, wrongIssuer),
		"blank subject": signToken(t, jwt.SigningMethodHS256, testSecret, noSubject),
	}
	for name, token := range cases {
		_, err := v.Verify(token)
		if !apperrors.IsCode(err, apperrors.CodeUnauthenticated) {
			t.Fatalf("%s: err = %v, want UNAUTHENTICATED", name, err)
		}
	}
}

func TestVerifyWithoutIssuerAcceptsAnyIssuer(t *testing.T) {
	v := NewTokenVerifier(testSecret, "")
	claims := validClaims("p")
	claims.Issuer = "anything"
	if _, err := v.Verify(signToken(t, jwt.SigningMethodHS256, testSecret, claims)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSessionTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	if got := sessionTokenFromRequest(req); got != "from-query" {
		t.Fatalf("query token = %q", got)
	}

	req.Header.Set("Authorization", "Bearer from-header")
	if got := sessionTokenFromRequest(req); got != "from-header" {
		t.Fatalf("header token = %q", got)
	}

	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "from-cookie"})
	if got := sessionTokenFromRequest(req); got != "from-cookie" {
		t.Fatalf("cookie token = %q", got)
	}

	if got := sessionTokenFromRequest(nil); got != "" {
		t.Fatalf("nil request token = %q", got)
	}
}
