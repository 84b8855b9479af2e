package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const proxyPathPrefix = "/proxy"

// APIProxy forwards authenticated browser calls to the upstream business
// API with the stored access token attached as a bearer credential. Method,
// body, status, and content type pass through verbatim; cookies do not.
type APIProxy struct {
	target  *url.URL
	proxy   *httputil.ReverseProxy
	cookies *CookieManager
	logger  *slog.Logger
}

// NewAPIProxy builds the forwarder for the configured upstream base URL.
func NewAPIProxy(cfg Config, cookies *CookieManager, logger *slog.Logger) (*APIProxy, error) {
	if cfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream.base_url is required for the proxy")
	}
	target, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}

	timeout := cfg.UpstreamTimeoutDuration()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if strings.HasPrefix(req.URL.Path, proxyPathPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, proxyPathPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
		req.Host = target.Host

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
	}

	p := &APIProxy{
		target:  target,
		proxy:   proxy,
		cookies: cookies,
		logger:  logger,
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error("proxy error",
			"target", target.String(),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "Failed to proxy request")
	}

	logger.Info("upstream proxy configured", "target", cfg.Upstream.BaseURL)
	return p, nil
}

// Forward sends the request upstream. The caller has already passed the
// session gate; only header rewriting happens here.
func (p *APIProxy) Forward(w http.ResponseWriter, r *http.Request) {
	access := p.cookies.AccessToken(r)

	// Token cookies stay on this side of the boundary.
	r.Header.Del("Cookie")
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}

	p.logger.Debug("proxying request",
		"method", r.Method,
		"path", r.URL.Path,
	)
	p.proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
