package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrTicketConfig marks a deployment misconfiguration: required management
// credentials or endpoints are missing. Not user-actionable.
var ErrTicketConfig = errors.New("ticket issuer misconfigured")

// UpstreamAuthError means the client-credentials exchange was rejected.
type UpstreamAuthError struct {
	Status int
	Body   string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("management token request rejected: HTTP %d: %s", e.Status, e.Body)
}

// UpstreamTicketError means the ticket-creation call was rejected. Carries
// the upstream status and message; callers branch on the status range.
type UpstreamTicketError struct {
	Status  int
	Message string
}

func (e *UpstreamTicketError) Error() string {
	return fmt.Sprintf("password change ticket rejected: HTTP %d: %s", e.Status, e.Message)
}

// NetworkError wraps a transport failure talking to the identity provider.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TicketIssuance abstracts the issuer for the orchestrator and tests.
type TicketIssuance interface {
	IssueTicket(ctx context.Context, subject string) (PasswordChangeTicket, error)
}

// TicketIssuer obtains one-time password-change tickets from the identity
// provider's Management API. Every call performs a fresh client-credentials
// exchange; no token is reused across calls.
type TicketIssuer struct {
	issuer      string
	resultURL   string
	credentials clientcredentials.Config
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewTicketIssuer wires the issuer from configuration.
func NewTicketIssuer(cfg Config, logger *slog.Logger) *TicketIssuer {
	issuer := strings.TrimSuffix(cfg.Auth0.IssuerBaseURL, "/")
	return &TicketIssuer{
		issuer:    issuer,
		resultURL: cfg.Server.BaseURL,
		credentials: clientcredentials.Config{
			ClientID:     cfg.Auth0.ManagementClientID,
			ClientSecret: cfg.Auth0.ManagementClientSecret,
			TokenURL:     issuer + "/oauth/token",
			AuthStyle:    oauth2.AuthStyleInParams,
			EndpointParams: url.Values{
				"audience": []string{cfg.Auth0.ManagementAudience},
			},
		},
		httpClient: &http.Client{Timeout: cfg.RequestTimeoutDuration()},
		logger:     logger,
	}
}

type ticketRequest struct {
	ResultURL           string `json:"result_url"`
	UserID              string `json:"user_id"`
	TTLSec              int    `json:"ttl_sec"`
	MarkEmailAsVerified bool   `json:"mark_email_as_verified"`
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresAt string `json:"expires_at"`
}

// IssueTicket performs the two-step sequence: client-credentials grant, then
// an authenticated ticket-creation call. Both steps are single-attempt; a
// transient failure surfaces immediately as a classified error.
func (t *TicketIssuer) IssueTicket(ctx context.Context, subject string) (PasswordChangeTicket, error) {
	if err := t.checkConfig(); err != nil {
		return PasswordChangeTicket{}, err
	}

	token, err := t.managementToken(ctx)
	if err != nil {
		return PasswordChangeTicket{}, err
	}

	ticket, err := t.createTicket(ctx, token, subject)
	if err != nil {
		return PasswordChangeTicket{}, err
	}

	t.logger.Info("password change ticket created",
		"user_id", subject,
		"expires_at", ticket.ExpiresAt,
	)
	return ticket, nil
}

func (t *TicketIssuer) checkConfig() error {
	missing := []string{}
	if t.issuer == "" {
		missing = append(missing, "issuer_base_url")
	}
	if t.credentials.ClientID == "" {
		missing = append(missing, "management_client_id")
	}
	if t.credentials.ClientSecret == "" {
		missing = append(missing, "management_client_secret")
	}
	if t.credentials.EndpointParams.Get("audience") == "" {
		missing = append(missing, "management_audience")
	}
	if t.resultURL == "" {
		missing = append(missing, "base_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrTicketConfig, strings.Join(missing, ", "))
	}
	return nil
}

// managementToken runs the client-credentials grant. The token lives only on
// the stack of the enclosing IssueTicket call.
func (t *TicketIssuer) managementToken(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)

	tok, err := t.credentials.Token(ctx)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.Response != nil {
			return "", &UpstreamAuthError{
				Status: retrieve.Response.StatusCode,
				Body:   strings.TrimSpace(string(retrieve.Body)),
			}
		}
		return "", &NetworkError{Op: "management token", Err: err}
	}
	if tok.AccessToken == "" {
		return "", &UpstreamAuthError{Status: http.StatusOK, Body: "no access token in response"}
	}
	return tok.AccessToken, nil
}

func (t *TicketIssuer) createTicket(ctx context.Context, token, subject string) (PasswordChangeTicket, error) {
	payload, err := json.Marshal(ticketRequest{
		ResultURL:           t.resultURL,
		UserID:              subject,
		TTLSec:              TicketTTLSeconds,
		MarkEmailAsVerified: true,
	})
	if err != nil {
		return PasswordChangeTicket{}, fmt.Errorf("marshal ticket request: %w", err)
	}

	endpoint := t.issuer + "/api/v2/tickets/password-change"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return PasswordChangeTicket{}, fmt.Errorf("build ticket request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return PasswordChangeTicket{}, &NetworkError{Op: "create ticket", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PasswordChangeTicket{}, &UpstreamTicketError{
			Status:  resp.StatusCode,
			Message: upstreamMessage(body),
		}
	}

	var tr ticketResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return PasswordChangeTicket{}, fmt.Errorf("decode ticket response: %w", err)
	}
	if tr.Ticket == "" {
		return PasswordChangeTicket{}, errors.New("no ticket URL received from provider")
	}

	return PasswordChangeTicket{
		ResetURL:  tr.Ticket,
		ExpiresAt: tr.ExpiresAt,
		UserID:    subject,
	}, nil
}

// upstreamMessage pulls the human-readable message out of a provider error
// body, falling back to the raw text.
func upstreamMessage(body []byte) string {
	var parsed struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		if parsed.ErrorCode != "" {
			return fmt.Sprintf("%s (%s)", parsed.Message, parsed.ErrorCode)
		}
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

// TicketErrorStatus maps an issuance failure onto the HTTP status surfaced
// to the browser: config and transport problems are service-unavailable,
// provider rejections mirror their status range.
func TicketErrorStatus(err error) int {
	var (
		authErr    *UpstreamAuthError
		ticketErr  *UpstreamTicketError
		networkErr *NetworkError
	)
	switch {
	case errors.Is(err, ErrTicketConfig):
		return http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &ticketErr):
		if ticketErr.Status >= 400 && ticketErr.Status < 500 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case errors.As(err, &networkErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
