package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrNoIDToken means the code exchange succeeded but the provider returned
// no identity token.
var ErrNoIDToken = errors.New("id_token missing in token response")

// loginScopes are requested on every authorization redirect.
var loginScopes = []string{oidc.ScopeOpenID, "profile", "email", "read:current_user"}

// AuthProvider drives the authorization-code flow against the identity
// provider. Endpoints follow the provider's fixed layout; when signature
// verification is enabled the provider is discovered instead and the
// callback's ID token is verified against its published keys.
type AuthProvider struct {
	issuer      string
	clientID    string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
}

// NewAuthProvider initializes the provider from configuration. Discovery
// only happens when verify_id_token is on, so a dev instance starts with no
// network access.
func NewAuthProvider(ctx context.Context, cfg Config) (*AuthProvider, error) {
	issuer := strings.TrimSuffix(cfg.Auth0.IssuerBaseURL, "/")
	if issuer == "" {
		return nil, errors.New("issuer required")
	}
	redirect := strings.TrimSuffix(cfg.Server.BaseURL, "/") + "/callback"

	endpoint := oauth2.Endpoint{
		AuthURL:  issuer + "/authorize",
		TokenURL: issuer + "/oauth/token",
	}

	var verifier *oidc.IDTokenVerifier
	if cfg.Security.VerifyIDToken {
		op, err := oidc.NewProvider(ctx, cfg.Auth0.IssuerBaseURL)
		if err != nil {
			return nil, fmt.Errorf("discover provider: %w", err)
		}
		endpoint = op.Endpoint()
		verifier = op.Verifier(&oidc.Config{ClientID: cfg.Auth0.ClientID})
	}

	return &AuthProvider{
		issuer:   issuer,
		clientID: cfg.Auth0.ClientID,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.Auth0.ClientID,
			ClientSecret: cfg.Auth0.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       loginScopes,
		},
		verifier: verifier,
	}, nil
}

// AuthCodeURL constructs the authorization redirect carrying a fresh state.
func (p *AuthProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// ExchangeResult carries the raw tokens redeemed at the callback.
type ExchangeResult struct {
	IDToken     string
	AccessToken string
	// MaxAge is the cookie lifetime in seconds, taken from the token
	// response's declared expiry.
	MaxAge int
}

// Exchange redeems the authorization code. The raw ID token is returned
// verbatim for cookie storage; it is verified first only in hardened mode.
func (p *AuthProvider) Exchange(ctx context.Context, code string) (ExchangeResult, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("exchange code: %w", err)
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return ExchangeResult{}, ErrNoIDToken
	}

	if p.verifier != nil {
		if _, err := p.verifier.Verify(ctx, rawID); err != nil {
			return ExchangeResult{}, fmt.Errorf("verify id_token: %w", err)
		}
	}

	maxAge := int(DefaultCookieMaxAge.Seconds())
	if !tok.Expiry.IsZero() {
		if secs := int(time.Until(tok.Expiry).Seconds()); secs > 0 {
			maxAge = secs
		}
	}

	return ExchangeResult{
		IDToken:     rawID,
		AccessToken: tok.AccessToken,
		MaxAge:      maxAge,
	}, nil
}

// LogoutURL builds the provider's logout endpoint with a return URL.
func (p *AuthProvider) LogoutURL(returnTo string) string {
	u, err := url.Parse(p.issuer + "/v2/logout")
	if err != nil {
		return p.issuer
	}
	q := u.Query()
	q.Set("client_id", p.clientID)
	q.Set("returnTo", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}
