package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"invoicerun/internal/authn"
	"invoicerun/internal/i18n"
)

type ctxKey int

const (
	ctxKeyClaims ctxKey = iota
	ctxKeyLang
)

// loggingMiddleware logs one structured line per request, the way the
// teacher's daemon logs lifecycle events through zap.
func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.Clock.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		if s.Log != nil {
			s.Log.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", s.Clock.Now().Sub(start)),
			)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// rateLimitMiddleware applies a sliding-window limit keyed on the caller's
// remote address, ahead of authentication (unauthenticated callers must not
// be able to bypass it by omitting a token).
func (s *server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimits == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := remoteKey(r)
		result := s.RateLimits.Check(key)
		if !result.Allowed {
			lang := i18n.PickLang(r.Header.Get("Accept-Language"))
			w.Header().Set("Retry-After", result.RetryAfter.Round(time.Second).String())
			writeError(w, http.StatusTooManyRequests, i18n.T("rate_limited", lang))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware extracts and verifies the bearer token, stashing Claims and
// the resolved Accept-Language in the request context for downstream
// handlers; it does not itself enforce a role, see requireRoles.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang := i18n.PickLang(r.Header.Get("Accept-Language"))
		ctx := context.WithValue(r.Context(), ctxKeyLang, lang)

		token, ok := authn.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, i18n.T("unauthorized", lang))
			return
		}
		claims, err := s.Issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, i18n.T("unauthorized", lang))
			return
		}
		ctx = context.WithValue(ctx, ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRoles wraps handler, rejecting callers whose token doesn't carry
// one of the required roles.
func (s *server) requireRoles(handler http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		lang := langFrom(r)
		if claims == nil || !authn.RequireRoles(claims, false, roles...) {
			writeError(w, http.StatusForbidden, i18n.T("forbidden", lang))
			return
		}
		handler(w, r)
	}
}

func claimsFrom(r *http.Request) *authn.Claims {
	c, _ := r.Context().Value(ctxKeyClaims).(*authn.Claims)
	return c
}

func langFrom(r *http.Request) string {
	l, _ := r.Context().Value(ctxKeyLang).(string)
	if l == "" {
		return "en"
	}
	return strings.ToLower(l)
}
