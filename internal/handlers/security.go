package handlers

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/saveupapp/saveup/internal/config"
	"github.com/saveupapp/saveup/internal/observability"
)

// SecurityHeaders sets baseline security headers for all responses.
func (h *Handlers) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Cross-Origin-Opener-Policy", "same-origin")
		headers.Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}

// RequireSameOrigin blocks cross-origin state-changing requests. Wired on the
// payout administration routes, which are driven from a browser dashboard and
// therefore exposed to cross-site request forgery in a way the token-only API
// surface is not.
func (h *Handlers) RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meter := observability.MeterFromContext(r.Context())
		meter.SetAttributes(attribute.String("component", "security.same_origin"))
		if !requestMutatesState(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		meter.Count("security.same_origin.checked", 1)

		headers := []struct{ name, value string }{
			{"origin", strings.TrimSpace(r.Header.Get("Origin"))},
			{"referer", strings.TrimSpace(r.Header.Get("Referer"))},
		}

		if headers[0].value == "" && headers[1].value == "" {
			h.blockCrossOrigin(w, r, "missing_origin_and_referer", "")
			return
		}
		for _, header := range headers {
			if header.value == "" {
				continue
			}
			if ok, err := h.headerMatchesAllowedHost(header.value, r); err != nil || !ok {
				h.blockCrossOrigin(w, r, "invalid_"+header.name, header.value)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) blockCrossOrigin(w http.ResponseWriter, r *http.Request, reason, value string) {
	observability.MeterFromContext(r.Context()).Count("security.same_origin.blocked", 1,
		sentry.WithAttributes(attribute.String("reason", reason)))
	h.loggerFromContext(r.Context()).Warn("blocked cross-origin state-changing request",
		"reason", reason, "value", value, "method", r.Method, "path", r.URL.Path)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func requestMutatesState(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func (h *Handlers) headerMatchesAllowedHost(value string, r *http.Request) (bool, error) {
	parsed, err := url.Parse(value)
	if err != nil {
		return false, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsed.Host == "" {
		return false, fmt.Errorf("missing host")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false, fmt.Errorf("missing hostname")
	}

	allowedHosts := allowedRequestHosts(h.config, r)
	_, ok := allowedHosts[host]
	return ok, nil
}

func allowedRequestHosts(cfg *config.Config, r *http.Request) map[string]struct{} {
	hosts := map[string]struct{}{}

	if r != nil {
		if host := normalizeHost(r.Host); host != "" {
			hosts[host] = struct{}{}
		}
	}

	if cfg != nil {
		if host := hostFromBaseURL(cfg.BaseURL); host != "" {
			hosts[host] = struct{}{}
		}
	}

	return hosts
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(strings.TrimSpace(host))
	}
	return strings.ToLower(hostport)
}

func hostFromBaseURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
