package server

import (
	"net/http"
)

const (
	identityCookieName = "id_token"
	accessCookieName   = "access_token"
)

// CookieManager owns the browser-inaccessible token cookies. The identity
// token is stored verbatim; client-side code never sees it.
type CookieManager struct {
	secure bool
}

// NewCookieManager constructs a manager; cookies are Secure outside dev mode.
func NewCookieManager(cfg Config) *CookieManager {
	return &CookieManager{secure: !cfg.Server.DevMode}
}

// IdentityToken returns the raw stored identity token, empty when absent.
func (cm *CookieManager) IdentityToken(r *http.Request) string {
	cookie, err := r.Cookie(identityCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// AccessToken returns the stored upstream access token, empty when absent.
func (cm *CookieManager) AccessToken(r *http.Request) string {
	cookie, err := r.Cookie(accessCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetTokens stores both tokens with a lifetime matching the token's own.
func (cm *CookieManager) SetTokens(w http.ResponseWriter, idToken, accessToken string, maxAge int) {
	http.SetCookie(w, cm.cookie(identityCookieName, idToken, maxAge))
	if accessToken != "" {
		http.SetCookie(w, cm.cookie(accessCookieName, accessToken, maxAge))
	}
}

// Clear removes both cookies by writing empty values that expire immediately.
func (cm *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, cm.cookie(identityCookieName, "", -1))
	http.SetCookie(w, cm.cookie(accessCookieName, "", -1))
}

func (cm *CookieManager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
