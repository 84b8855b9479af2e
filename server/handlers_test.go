package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// bffHarness runs the full service against the in-process identity provider
// stub, both behind real listeners so redirects resolve end to end.
type bffHarness struct {
	t      *testing.T
	app    *App
	appSrv *httptest.Server
	idpSrv *httptest.Server
	client *http.Client
}

func devUser(resetRequired bool) DevIdPConfig {
	return DevIdPConfig{
		Subject:       "auth0|dev-user",
		Email:         "dev@example.com",
		Name:          "Dev User",
		ResetRequired: resetRequired,
	}
}

func newBFFHarness(t *testing.T, devCfg DevIdPConfig, mutate func(*Config)) *bffHarness {
	t.Helper()

	// Both servers need their own URL at construction time, so the handler
	// is bound through a closure filled in after the listener is up.
	var idp *DevIdentityProvider
	idpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idp.Routes().ServeHTTP(w, r)
	}))
	t.Cleanup(idpSrv.Close)
	idp = NewDevIdentityProvider(devCfg, idpSrv.URL, testNamespace, testLogger())

	var app *App
	appSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.Routes().ServeHTTP(w, r)
	}))
	t.Cleanup(appSrv.Close)

	cfg := testConfig()
	cfg.Server.BaseURL = appSrv.URL
	cfg.Auth0.IssuerBaseURL = idpSrv.URL
	cfg.Auth0.ManagementClientID = "mgmt-client"
	cfg.Auth0.ManagementClientSecret = "mgmt-secret"
	cfg.Auth0.ManagementAudience = idpSrv.URL + "/api/v2/"
	if mutate != nil {
		mutate(&cfg)
	}
	app = newTestApp(t, cfg)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &bffHarness{t: t, app: app, appSrv: appSrv, idpSrv: idpSrv, client: client}
}

func (h *bffHarness) do(method, url string, cookies []*http.Cookie) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func (h *bffHarness) get(url string, cookies []*http.Cookie) *http.Response {
	return h.do(http.MethodGet, url, cookies)
}

// login drives the complete authorization-code round trip and returns the
// session cookies the callback set.
func (h *bffHarness) login() []*http.Cookie {
	h.t.Helper()

	resp := h.get(h.appSrv.URL+"/login", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("/login status = %d", resp.StatusCode)
	}
	authorize := resp.Header.Get("Location")
	if !strings.HasPrefix(authorize, h.idpSrv.URL+"/authorize") {
		h.t.Fatalf("login did not redirect to the provider: %q", authorize)
	}
	if !strings.Contains(authorize, "state=") {
		h.t.Fatalf("authorization redirect carries no state: %q", authorize)
	}

	resp = h.get(authorize, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	callback := resp.Header.Get("Location")
	if !strings.HasPrefix(callback, h.appSrv.URL+"/callback") {
		h.t.Fatalf("provider did not redirect to the callback: %q", callback)
	}

	resp = h.get(callback, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("callback status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != h.appSrv.URL+"/dashboard" {
		h.t.Fatalf("callback redirect = %q", got)
	}
	return resp.Cookies()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestLoginCallbackMe(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)
	cookies := h.login()

	var idToken *http.Cookie
	for _, c := range cookies {
		if c.Name == identityCookieName {
			idToken = c
		}
	}
	if idToken == nil {
		t.Fatalf("callback did not set the identity cookie")
	}
	if !idToken.HttpOnly {
		t.Fatalf("identity cookie must be HttpOnly")
	}

	resp := h.get(h.appSrv.URL+"/me", cookies)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/me status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["sub"] != "auth0|dev-user" {
		t.Fatalf("/me sub = %v", body["sub"])
	}
	if body["email"] != "dev@example.com" {
		t.Fatalf("/me email = %v", body["email"])
	}
	// Namespaced custom claims come back bare.
	if _, ok := body["roles"]; !ok {
		t.Fatalf("/me missing custom claims: %v", body)
	}
}

func TestMeUnauthenticated(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)

	resp := h.get(h.appSrv.URL+"/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/me without cookie status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "Not authenticated" {
		t.Fatalf("/me error = %v", body["error"])
	}
}

func TestCallbackRejectsMissingCodeAndBadState(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)

	resp := h.get(h.appSrv.URL+"/callback", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing code status = %d", resp.StatusCode)
	}

	resp = h.get(h.appSrv.URL+"/callback?code=x&state=never-issued", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("forged state status = %d", resp.StatusCode)
	}
}

func TestLoginStateIsSingleUse(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)

	resp := h.get(h.appSrv.URL+"/login", nil)
	resp.Body.Close()
	authorize := resp.Header.Get("Location")

	resp = h.get(authorize, nil)
	resp.Body.Close()
	callback := resp.Header.Get("Location")

	resp = h.get(callback, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("first callback use failed: %d", resp.StatusCode)
	}

	// Replaying the consumed state must fail even before the code check.
	resp = h.get(callback, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed callback status = %d, want 400", resp.StatusCode)
	}
}

func TestLogoutClearsSessionAndRedirects(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/logout", cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("/logout status = %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, h.idpSrv.URL+"/v2/logout") {
		t.Fatalf("logout did not hand off to the provider: %q", location)
	}
	if !strings.Contains(location, "client_id=client") {
		t.Fatalf("logout URL missing client_id: %q", location)
	}
	if !strings.Contains(location, "returnTo=") {
		t.Fatalf("logout URL missing returnTo: %q", location)
	}

	cleared := map[string]bool{}
	for _, c := range resp.Cookies() {
		if c.MaxAge == -1 && c.Value == "" {
			cleared[c.Name] = true
		}
	}
	if !cleared[identityCookieName] || !cleared[accessCookieName] {
		t.Fatalf("logout did not clear both token cookies: %v", cleared)
	}
}

func TestLogoutRejectsForeignReturnTo(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)

	resp := h.get(h.appSrv.URL+"/logout?returnTo=https://evil.example/phish", nil)
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if strings.Contains(location, "evil.example") {
		t.Fatalf("foreign return URL leaked into logout: %q", location)
	}

	// Relative paths are allowed and anchored to this deployment.
	resp = h.get(h.appSrv.URL+"/logout?returnTo=/password-reset-complete", nil)
	resp.Body.Close()
	location = resp.Header.Get("Location")
	if !strings.Contains(location, "%2Fpassword-reset-complete") {
		t.Fatalf("relative return URL not anchored: %q", location)
	}
}

func TestForceResetIssuesTicket(t *testing.T) {
	h := newBFFHarness(t, devUser(true), nil)
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/force-reset", cookies)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/force-reset status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)

	resetURL, _ := body["reset_url"].(string)
	if !strings.HasPrefix(resetURL, h.idpSrv.URL+"/password-change") {
		t.Fatalf("reset_url = %q", resetURL)
	}
	if body["user_id"] != "auth0|dev-user" {
		t.Fatalf("user_id = %v", body["user_id"])
	}
	if body["expires_at"] == "" {
		t.Fatalf("expires_at missing")
	}

	// The flow is now observable as ticket_ready.
	resp = h.get(h.appSrv.URL+"/force-reset/state", cookies)
	body = decodeBody(t, resp)
	if body["state"] != "ticket_ready" {
		t.Fatalf("flow state = %v", body["state"])
	}
	if body["reset_required"] != true {
		t.Fatalf("reset_required = %v", body["reset_required"])
	}

	// Explicit hand-off, once.
	resp = h.do(http.MethodPost, h.appSrv.URL+"/force-reset/redirect", cookies)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/force-reset/redirect status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["redirect_url"] != resetURL {
		t.Fatalf("redirect_url = %v, want %q", body["redirect_url"], resetURL)
	}

	resp = h.do(http.MethodPost, h.appSrv.URL+"/force-reset/redirect", cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second redirect status = %d, want 409", resp.StatusCode)
	}
}

func TestForceResetNotRequired(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/force-reset", cookies)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("/force-reset status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "Password reset not required" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestForceResetUnauthenticated(t *testing.T) {
	h := newBFFHarness(t, devUser(true), nil)

	resp := h.get(h.appSrv.URL+"/force-reset", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/force-reset status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "Unauthorized - no ID token" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestForceResetProviderDown(t *testing.T) {
	h := newBFFHarness(t, devUser(true), func(cfg *Config) {
		cfg.Auth0.ManagementClientSecret = ""
	})
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/force-reset", cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("misconfigured issuer status = %d, want 503", resp.StatusCode)
	}

	// The failure is visible and marked retryable in the flow state.
	resp = h.get(h.appSrv.URL+"/force-reset/state", cookies)
	body := decodeBody(t, resp)
	if body["state"] != "failed" {
		t.Fatalf("flow state = %v", body["state"])
	}
	if body["retryable"] != true {
		t.Fatalf("failed flow not retryable: %v", body)
	}
}

func TestResetSuccessForcesLogout(t *testing.T) {
	h := newBFFHarness(t, devUser(true), nil)

	resp := h.get(h.appSrv.URL+"/password-reset-success", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("/password-reset-success status = %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "/logout?returnTo=") {
		t.Fatalf("reset success did not route through logout: %q", location)
	}
	if !strings.Contains(location, "/password-reset-complete") {
		t.Fatalf("completion page not in return URL: %q", location)
	}

	resp = h.get(h.appSrv.URL+"/password-reset-complete", nil)
	body := decodeBody(t, resp)
	if body["status"] != "password_reset_complete" {
		t.Fatalf("completion payload = %v", body)
	}
}

func TestProxyForwardsWithBearer(t *testing.T) {
	var upstream struct {
		path   string
		auth   string
		cookie string
	}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.path = r.URL.Path
		upstream.auth = r.Header.Get("Authorization")
		upstream.cookie = r.Header.Get("Cookie")
		writeJSON(w, http.StatusOK, map[string]string{"items": "all of them"})
	}))
	defer api.Close()

	h := newBFFHarness(t, devUser(false), func(cfg *Config) {
		cfg.Upstream.BaseURL = api.URL
	})
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/proxy/items/42?limit=1", cookies)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["items"] != "all of them" {
		t.Fatalf("upstream body not passed through: %v", body)
	}

	if upstream.path != "/items/42" {
		t.Fatalf("proxy prefix not stripped: %q", upstream.path)
	}
	if !strings.HasPrefix(upstream.auth, "Bearer ") {
		t.Fatalf("access token not attached: %q", upstream.auth)
	}
	if upstream.cookie != "" {
		t.Fatalf("token cookies leaked upstream: %q", upstream.cookie)
	}
}

func TestProxyUnauthenticated(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Errorf("upstream reached without a session")
	}))
	defer api.Close()

	h := newBFFHarness(t, devUser(false), func(cfg *Config) {
		cfg.Upstream.BaseURL = api.URL
	})

	resp := h.get(h.appSrv.URL+"/proxy/items", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("proxy status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProxyBlockedDuringReset(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Errorf("upstream reached while reset is pending")
	}))
	defer api.Close()

	h := newBFFHarness(t, devUser(true), func(cfg *Config) {
		cfg.Upstream.BaseURL = api.URL
	})
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/proxy/items", cookies)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("proxy status = %d, want 403", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "Password reset required" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["reset_required"] != true {
		t.Fatalf("reset_required = %v", body["reset_required"])
	}
	// The orchestrator ran as a side effect, so the caller already has a
	// ticket to act on.
	if body["state"] != "ticket_ready" {
		t.Fatalf("flow state = %v", body["state"])
	}
	if _, ok := body["reset_url"]; !ok {
		t.Fatalf("no reset_url in blocked response: %v", body)
	}
}

func TestProxyNotConfigured(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)
	cookies := h.login()

	resp := h.get(h.appSrv.URL+"/proxy/items", cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("proxy status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newBFFHarness(t, devUser(false), nil)

	resp := h.get(h.appSrv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("health payload = %v", body)
	}

	resp = h.get(h.appSrv.URL+"/metrics", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "bff_http_requests_total") {
		t.Fatalf("request counter not exported")
	}
}
