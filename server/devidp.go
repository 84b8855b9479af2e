package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DevIdentityProvider is an in-process stand-in for the hosted identity
// provider, used in dev mode so the whole flow runs offline. It speaks just
// enough of the provider's surface: authorize, token, logout, discovery,
// and the password-change ticket endpoint.
type DevIdentityProvider struct {
	cfg       DevIdPConfig
	baseURL   string
	namespace string
	signKey   []byte
	logger    *slog.Logger

	mu    sync.Mutex
	codes map[string]string // code -> redirect_uri
}

// NewDevIdentityProvider constructs the stub. baseURL is the address the
// stub will be reachable at; namespace is used for the minted custom claims.
func NewDevIdentityProvider(cfg DevIdPConfig, baseURL, namespace string, logger *slog.Logger) *DevIdentityProvider {
	if !strings.HasSuffix(namespace, "/") {
		namespace += "/"
	}
	return &DevIdentityProvider{
		cfg:       cfg,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		namespace: namespace,
		signKey:   []byte("dev-idp-signing-key"),
		logger:    logger,
		codes:     map[string]string{},
	}
}

// Routes exposes the stub's HTTP surface.
func (d *DevIdentityProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", d.handleDiscovery)
	r.Get("/authorize", d.handleAuthorize)
	r.Post("/oauth/token", d.handleToken)
	r.Post("/api/v2/tickets/password-change", d.handleTicket)
	r.Get("/v2/logout", d.handleLogout)
	r.Get("/password-change", d.handleChangeForm)
	return r
}

func (d *DevIdentityProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 d.baseURL,
		"authorization_endpoint": d.baseURL + "/authorize",
		"token_endpoint":         d.baseURL + "/oauth/token",
		"jwks_uri":               d.baseURL + "/.well-known/jwks.json",
	})
}

// handleAuthorize skips any login screen and bounces straight back with a
// code for the fixed dev user.
func (d *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		writeError(w, http.StatusBadRequest, "redirect_uri required")
		return
	}

	code := uuid.NewString()
	d.mu.Lock()
	d.codes[code] = redirectURI
	d.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	values := target.Query()
	values.Set("code", code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (d *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		code := r.FormValue("code")
		d.mu.Lock()
		_, ok := d.codes[code]
		delete(d.codes, code)
		d.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		idToken, err := d.mintIDToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "mint id_token failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": uuid.NewString(),
			"id_token":     idToken,
			"token_type":   "Bearer",
			"expires_in":   86400,
		})

	case "client_credentials":
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": uuid.NewString(),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (d *DevIdentityProvider) mintIDToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            d.baseURL + "/",
		"sub":            d.cfg.Subject,
		"email":          d.cfg.Email,
		"name":           d.cfg.Name,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(24 * time.Hour).Unix(),
		d.namespace + "roles": []string{"dev"},
	}
	if d.cfg.ResetRequired {
		claims[ResetRequiredClaim] = true
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.signKey)
}

func (d *DevIdentityProvider) handleTicket(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid payload"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "user_id required"})
		return
	}

	expiry := time.Now().Add(time.Duration(req.TTLSec) * time.Second)
	ticket := fmt.Sprintf("%s/password-change?ticket=%s&result_url=%s",
		d.baseURL, uuid.NewString(), url.QueryEscape(req.ResultURL))

	d.logger.Info("dev ticket issued", "user_id", req.UserID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"ticket":     ticket,
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

// handleChangeForm stands in for the hosted password-change page: it
// immediately "completes" the change and returns to the result URL.
func (d *DevIdentityProvider) handleChangeForm(w http.ResponseWriter, r *http.Request) {
	resultURL := r.URL.Query().Get("result_url")
	if resultURL == "" {
		writeError(w, http.StatusBadRequest, "result_url required")
		return
	}
	http.Redirect(w, r, strings.TrimSuffix(resultURL, "/")+"/password-reset-success", http.StatusFound)
}

func (d *DevIdentityProvider) handleLogout(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("returnTo")
	if returnTo == "" {
		returnTo = d.baseURL
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}
