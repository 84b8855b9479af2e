package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Cookies   *CookieManager
	Provider  *AuthProvider
	Evaluator *ClaimsEvaluator
	Gate      *SessionGate
	Issuer    TicketIssuance
	Resets    *ResetOrchestrator
	Proxy     *APIProxy
	States    *LoginStateStore
	Metrics   *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	evaluator, err := NewClaimsEvaluator(cfg.ClaimNamespace())
	if err != nil {
		return nil, err
	}

	provider, err := NewAuthProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cookies := NewCookieManager(cfg)
	metrics := NewMetrics()
	issuer := NewTicketIssuer(cfg, logger)
	resets := NewResetOrchestrator(issuer, metrics, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Cookies:   cookies,
		Provider:  provider,
		Evaluator: evaluator,
		Gate:      NewSessionGate(cookies, evaluator, logger),
		Issuer:    issuer,
		Resets:    resets,
		States:    NewLoginStateStore(DefaultLoginStateTTL),
		Metrics:   metrics,
	}

	if cfg.Upstream.BaseURL != "" {
		proxy, err := NewAPIProxy(cfg, cookies, logger)
		if err != nil {
			return nil, err
		}
		app.Proxy = proxy
	}

	return app, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	a.States.Remember(state)
	http.Redirect(w, r, a.Provider.AuthCodeURL(state), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Missing authorization code")
		return
	}
	if !a.States.Consume(q.Get("state")) {
		writeError(w, http.StatusBadRequest, "Invalid or expired state")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Config.RequestTimeoutDuration())
	defer cancel()

	result, err := a.Provider.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNoIDToken) {
			a.Logger.Error("no ID token in provider response")
			writeError(w, http.StatusInternalServerError, "Authentication failed - no ID token")
			return
		}
		a.Logger.Error("token exchange failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Token exchange failed")
		return
	}

	a.Cookies.SetTokens(w, result.IDToken, result.AccessToken, result.MaxAge)
	http.Redirect(w, r, strings.TrimSuffix(a.Config.Server.BaseURL, "/")+"/dashboard", http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw := a.Cookies.IdentityToken(r); raw != "" {
		a.Resets.Forget(SessionKey(raw))
	}
	a.Cookies.Clear(w)

	returnTo := a.sanitizeReturnTo(r.URL.Query().Get("returnTo"))
	http.Redirect(w, r, a.Provider.LogoutURL(returnTo), http.StatusFound)
}

// sanitizeReturnTo confines logout return targets to this deployment.
func (a *App) sanitizeReturnTo(returnTo string) string {
	base := strings.TrimSuffix(a.Config.Server.BaseURL, "/")
	if returnTo == "" {
		return base
	}
	if strings.HasPrefix(returnTo, base+"/") || returnTo == base {
		return returnTo
	}
	if strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//") {
		return base + returnTo
	}
	a.Logger.Warn("rejected logout return URL", "return_to", returnTo)
	return base
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	result := a.Gate.Check(r)
	if result.Verdict == VerdictUnauthenticated {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	// The identity surface stays reachable while a reset is pending; the
	// reset screen needs it to render who is being reset.
	ident := result.Identity
	payload := map[string]any{
		"sub":            ident.Subject,
		"email_verified": ident.EmailVerified,
	}
	if ident.Email != "" {
		payload["email"] = ident.Email
	}
	if ident.Name != "" {
		payload["name"] = ident.Name
	}
	if ident.Picture != "" {
		payload["picture"] = ident.Picture
	}
	for name, value := range result.Claims.Interface() {
		if _, exists := payload[name]; !exists {
			payload[name] = value
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func (a *App) handleForceReset(w http.ResponseWriter, r *http.Request) {
	result := a.Gate.Check(r)
	if result.Verdict == VerdictUnauthenticated {
		writeError(w, http.StatusUnauthorized, "Unauthorized - no ID token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Config.RequestTimeoutDuration())
	defer cancel()

	resetRequired := result.Verdict == VerdictResetRequired
	flow, err := a.Resets.Run(ctx, result.SessionKey, result.Identity, resetRequired)
	if err != nil {
		a.Metrics.TicketFailed()
		writeError(w, TicketErrorStatus(err), "Failed to initiate password reset: "+err.Error())
		return
	}
	if flow.NotRequired {
		writeError(w, http.StatusBadRequest, "Password reset not required")
		return
	}
	if flow.Ticket == nil {
		writeError(w, http.StatusInternalServerError, "Reset flow in unexpected state")
		return
	}

	a.Metrics.TicketIssued()
	writeJSON(w, http.StatusOK, map[string]any{
		"reset_url":  flow.Ticket.ResetURL,
		"expires_at": flow.Ticket.ExpiresAt,
		"user_id":    flow.Ticket.UserID,
	})
}

func (a *App) handleResetState(w http.ResponseWriter, r *http.Request) {
	result := a.Gate.Check(r)
	if result.Verdict == VerdictUnauthenticated {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	flow := a.Resets.Flow(result.SessionKey)
	writeJSON(w, http.StatusOK, resetStatePayload(flow, result.Verdict))
}

func (a *App) handleResetRedirect(w http.ResponseWriter, r *http.Request) {
	result := a.Gate.Check(r)
	if result.Verdict == VerdictUnauthenticated {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	flow, ok := a.Resets.MarkRedirecting(result.SessionKey)
	if !ok || flow.Ticket == nil {
		writeError(w, http.StatusConflict, "No reset ticket ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"redirect_url": flow.Ticket.ResetURL,
	})
}

// handleResetSuccess is where the provider's result URL lands after the
// external password change. The changed password must invalidate the old
// token, so the session is force-terminated via the logout flow before the
// completion page.
func (a *App) handleResetSuccess(w http.ResponseWriter, r *http.Request) {
	target := "/logout?returnTo=" + strings.TrimSuffix(a.Config.Server.BaseURL, "/") + "/password-reset-complete"
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleResetComplete(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "password_reset_complete",
		"message": "Password updated. Log in again with the new password.",
	})
}

func (a *App) handleProxy(w http.ResponseWriter, r *http.Request) {
	if a.Proxy == nil {
		writeError(w, http.StatusNotFound, "No upstream API configured")
		return
	}

	result := a.Gate.Check(r)
	switch result.Verdict {
	case VerdictUnauthenticated:
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	case VerdictResetRequired:
		// Protected functionality stays gated until the reset completes.
		// Drive the orchestrator so the caller learns the flow state.
		ctx, cancel := context.WithTimeout(r.Context(), a.Config.RequestTimeoutDuration())
		defer cancel()
		flow, err := a.Resets.Run(ctx, result.SessionKey, result.Identity, true)
		if err != nil {
			a.Metrics.TicketFailed()
		}
		payload := resetStatePayload(flow, result.Verdict)
		payload["error"] = "Password reset required"
		writeJSON(w, http.StatusForbidden, payload)
		return
	}

	a.Proxy.Forward(w, r)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func resetStatePayload(flow ResetFlow, verdict Verdict) map[string]any {
	payload := map[string]any{
		"state":                  flow.State.String(),
		"reset_required":         verdict == VerdictResetRequired,
		"redirect_delay_seconds": int(DefaultRedirectDelay.Seconds()),
	}
	if flow.Ticket != nil {
		payload["reset_url"] = flow.Ticket.ResetURL
		payload["expires_at"] = flow.Ticket.ExpiresAt
	}
	if flow.State == ResetFailed && !flow.NotRequired {
		payload["error"] = flow.Err
		payload["retryable"] = true
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
