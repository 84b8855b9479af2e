package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ResetState enumerates the per-session password-reset flow states.
type ResetState int

const (
	ResetIdle ResetState = iota
	ResetChecking
	ResetTicketReady
	ResetRedirecting
	ResetFailed
)

func (s ResetState) String() string {
	switch s {
	case ResetIdle:
		return "idle"
	case ResetChecking:
		return "checking"
	case ResetTicketReady:
		return "ticket_ready"
	case ResetRedirecting:
		return "redirecting"
	case ResetFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResetFlow is the state machine value for one browser session. The zero
// value is Idle. Transitions are pure: each returns a new value and whether
// the transition is legal from the current state.
type ResetFlow struct {
	State       ResetState
	Ticket      *PasswordChangeTicket
	Err         string
	NotRequired bool
	UpdatedAt   time.Time
}

// WithChecking re-enters the check-and-issue sequence. Legal from every
// state except Redirecting: once control has passed to the external reset
// page the machine instance is done. Re-entry from TicketReady is the
// tolerated concurrent case — the latest valid ticket wins.
func (f ResetFlow) WithChecking(now time.Time) (ResetFlow, bool) {
	if f.State == ResetRedirecting {
		return f, false
	}
	return ResetFlow{State: ResetChecking, UpdatedAt: now}, true
}

// WithTicket records a successful issuance.
func (f ResetFlow) WithTicket(t PasswordChangeTicket, now time.Time) (ResetFlow, bool) {
	if f.State != ResetChecking {
		return f, false
	}
	return ResetFlow{State: ResetTicketReady, Ticket: &t, UpdatedAt: now}, true
}

// WithFailure records an issuance failure. notRequired marks the
// "policy not triggered" outcome, which is a success meaning no reset is
// needed rather than a true failure.
func (f ResetFlow) WithFailure(msg string, notRequired bool, now time.Time) (ResetFlow, bool) {
	if f.State != ResetChecking {
		return f, false
	}
	return ResetFlow{State: ResetFailed, Err: msg, NotRequired: notRequired, UpdatedAt: now}, true
}

// WithRedirecting hands control to the external reset page. Terminal for
// this machine instance; completion happens via the logout flow.
func (f ResetFlow) WithRedirecting(now time.Time) (ResetFlow, bool) {
	if f.State != ResetTicketReady {
		return f, false
	}
	next := f
	next.State = ResetRedirecting
	next.UpdatedAt = now
	return next, true
}

// SessionKey derives the per-browser-session key for a raw identity token.
// The token string itself is never used as a map key.
func SessionKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// ResetOrchestrator sequences detect → issue → redirect for each browser
// session. Flows are held in a TTL store; requests for the same session
// race without coordination and the last write wins.
type ResetOrchestrator struct {
	issuer  TicketIssuance
	flows   *cache.Cache
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewResetOrchestrator constructs the orchestrator.
func NewResetOrchestrator(issuer TicketIssuance, metrics *Metrics, logger *slog.Logger) *ResetOrchestrator {
	return &ResetOrchestrator{
		issuer:  issuer,
		flows:   cache.New(DefaultResetFlowTTL, DefaultResetFlowTTL),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Flow returns the current flow for a session, Idle when none exists.
func (o *ResetOrchestrator) Flow(sessionKey string) ResetFlow {
	if v, ok := o.flows.Get(sessionKey); ok {
		return v.(ResetFlow)
	}
	return ResetFlow{}
}

func (o *ResetOrchestrator) save(sessionKey string, flow ResetFlow) {
	o.flows.SetDefault(sessionKey, flow)
	if o.metrics != nil {
		o.metrics.ResetTransition(flow.State)
	}
}

// Run drives one check-and-issue pass for the session. resetRequired is the
// policy verdict already evaluated by the session gate; the returned error
// is the issuance failure, kept separate so the caller can classify it.
func (o *ResetOrchestrator) Run(ctx context.Context, sessionKey string, ident Identity, resetRequired bool) (ResetFlow, error) {
	flow := o.Flow(sessionKey)

	next, ok := flow.WithChecking(o.now())
	if !ok {
		return flow, nil
	}
	o.save(sessionKey, next)

	if !resetRequired {
		next, _ = next.WithFailure("Password reset not required", true, o.now())
		o.save(sessionKey, next)
		return next, nil
	}

	ticket, err := o.issuer.IssueTicket(ctx, ident.Subject)
	if err != nil {
		o.logger.Error("ticket issuance failed", "user_id", ident.Subject, "error", err)
		next, _ = next.WithFailure(err.Error(), false, o.now())
		o.save(sessionKey, next)
		return next, err
	}

	next, _ = next.WithTicket(ticket, o.now())
	o.save(sessionKey, next)
	return next, nil
}

// MarkRedirecting records the hand-off to the external reset page, either
// from the explicit user action or from the timed automatic redirect.
func (o *ResetOrchestrator) MarkRedirecting(sessionKey string) (ResetFlow, bool) {
	flow := o.Flow(sessionKey)
	next, ok := flow.WithRedirecting(o.now())
	if !ok {
		return flow, false
	}
	o.save(sessionKey, next)
	return next, true
}

// Forget drops the session's flow, used when the session ends at logout.
func (o *ResetOrchestrator) Forget(sessionKey string) {
	o.flows.Delete(sessionKey)
}
