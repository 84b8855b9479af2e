package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testNamespace = "https://claims.example.com/"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.BaseURL = "http://bff.test"
	cfg.Auth0.IssuerBaseURL = "http://idp.test"
	cfg.Auth0.ClientID = "client"
	cfg.Auth0.ClientSecret = "secret"
	cfg.Auth0.CustomNamespace = testNamespace
	return cfg
}

func newTestEvaluator(t *testing.T) *ClaimsEvaluator {
	t.Helper()
	eval, err := NewClaimsEvaluator(testNamespace)
	if err != nil {
		t.Fatalf("NewClaimsEvaluator: %v", err)
	}
	return eval
}

// mintToken builds a signed token; the signature is never checked by the
// codec, only the shape matters.
func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func validTokenClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":            "auth0|user-1",
		"email":          "user@example.com",
		"name":           "User One",
		"picture":        "https://cdn.example.com/u1.png",
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func identityCookie(raw string) *http.Cookie {
	return &http.Cookie{Name: identityCookieName, Value: raw}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}
