package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/openviking/openviking/internal/config"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/observability"
)

// authenticator validates API requests. /health is always open; when no
// key or secret is configured, auth is skipped entirely (local-dev
// mode).
type authenticator struct {
	apiKey     string
	apiKeyHash string
	jwtSecret  string
	issuer     string
	audience   string
}

func newAuthenticator(cfg *config.Config) *authenticator {
	return &authenticator{
		apiKey:     cfg.Server.APIKey,
		apiKeyHash: cfg.Server.APIKeyHash,
		jwtSecret:  cfg.Server.JWTSecret,
		issuer:     cfg.Auth.Issuer,
		audience:   cfg.Auth.Audience,
	}
}

func (a *authenticator) enabled() bool {
	return a.apiKey != "" || a.apiKeyHash != "" || a.jwtSecret != ""
}

// authenticate checks X-API-Key or a bearer token. API key comparison
// is constant-time.
func (a *authenticator) authenticate(r *http.Request) error {
	if !a.enabled() {
		return nil
	}
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			presented = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if presented == "" {
		return errs.Ef(errs.CodeUnauthenticated, "missing API key")
	}

	if a.apiKey != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(a.apiKey)) == 1 {
		return nil
	}
	if a.apiKeyHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(a.apiKeyHash), []byte(presented)) == nil {
		return nil
	}
	if a.jwtSecret != "" && a.validateJWT(presented) == nil {
		return nil
	}
	return errs.Ef(errs.CodeUnauthenticated, "invalid API key")
}

func (a *authenticator) validateJWT(token string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(a.jwtSecret), nil
	}, opts...)
	return err
}

// securityHeaders applies the standard response hardening headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles preflight and reflection for browser callers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			h.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware renders panics as INTERNAL envelopes so the
// transport never emits non-JSON.
func recoverMiddleware(logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				writeError(w, errs.Ef(errs.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies a caller for rate limiting: the API key when
// presented, else the remote IP.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "key:" + auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
