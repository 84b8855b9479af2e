package server

import (
	"log/slog"
	"net/http"
	"time"
)

// Verdict is the session gate's decision for one request.
type Verdict int

const (
	// VerdictUnauthenticated means no token, or a malformed or expired one.
	VerdictUnauthenticated Verdict = iota
	// VerdictResetRequired denies access until the reset flow completes.
	VerdictResetRequired
	// VerdictAllow grants access and exposes the decoded identity.
	VerdictAllow
)

// GateResult carries the verdict plus everything derived along the way.
type GateResult struct {
	Verdict    Verdict
	Identity   Identity
	Claims     ClaimsView
	SessionKey string
}

// SessionGate is the request-time authorization check in front of every
// protected operation: stored token → decode → policy, strictly in order.
type SessionGate struct {
	cookies   *CookieManager
	evaluator *ClaimsEvaluator
	logger    *slog.Logger
	now       func() time.Time
}

// NewSessionGate constructs the gate.
func NewSessionGate(cookies *CookieManager, evaluator *ClaimsEvaluator, logger *slog.Logger) *SessionGate {
	return &SessionGate{cookies: cookies, evaluator: evaluator, logger: logger, now: time.Now}
}

// Check resolves the current identity and the reset-policy verdict. Decode
// failures degrade to unauthenticated; the policy check always runs before
// access is granted, so a valid-but-flagged token can never slip through.
func (g *SessionGate) Check(r *http.Request) GateResult {
	raw := g.cookies.IdentityToken(r)
	if raw == "" {
		return GateResult{Verdict: VerdictUnauthenticated}
	}

	decoded, err := DecodeIdentityToken(raw, g.now())
	if err != nil {
		g.logger.Debug("identity token rejected", "error", err)
		return GateResult{Verdict: VerdictUnauthenticated}
	}

	view := g.evaluator.ExtractCustomClaims(decoded)
	ident := NewIdentity(decoded, view)
	result := GateResult{
		Identity:   ident,
		Claims:     view,
		SessionKey: SessionKey(raw),
	}

	if g.evaluator.IsResetRequired(view) {
		result.Verdict = VerdictResetRequired
		return result
	}

	result.Verdict = VerdictAllow
	return result
}
