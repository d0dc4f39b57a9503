package handlers

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MiddlewareFunc wraps an http.Handler.
type MiddlewareFunc func(http.Handler) http.Handler

// Chain composes mws so that the first one sees the request first.
func Chain(mws ...MiddlewareFunc) MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// ChainHandler wraps h in mws.
func ChainHandler(h http.Handler, mws ...MiddlewareFunc) http.Handler {
	return Chain(mws...)(h)
}

// ══════════════════════════════════════════════════════════════════════════════
// API KEYS
// ══════════════════════════════════════════════════════════════════════════════

type keyDigest = [sha256.Size]byte

// APIKeyAuth accepts requests carrying a key that matches one of the
// configured bcrypt hashes, either in its own header or as a Bearer token.
// A key that matched once is remembered by digest.
type APIKeyAuth struct {
	header string
	hashes [][]byte

	mu    sync.RWMutex
	known map[keyDigest]struct{}
}

// NewAPIKeyAuth fails on the first entry that is not a bcrypt hash. Blank
// entries are skipped.
func NewAPIKeyAuth(header string, hashes []string) (*APIKeyAuth, error) {
	if header == "" {
		header = "X-API-Key"
	}
	a := &APIKeyAuth{header: header, known: make(map[keyDigest]struct{})}
	for i, raw := range hashes {
		h := []byte(strings.TrimSpace(raw))
		if len(h) == 0 {
			continue
		}
		if _, err := bcrypt.Cost(h); err != nil {
			return nil, fmt.Errorf("api key hash #%d: %w", i, err)
		}
		a.hashes = append(a.hashes, h)
	}
	return a, nil
}

// IsValid reports whether key matches a configured hash.
func (a *APIKeyAuth) IsValid(key string) bool {
	if key == "" {
		return false
	}
	d := sha256.Sum256([]byte(key))

	a.mu.RLock()
	_, seen := a.known[d]
	a.mu.RUnlock()
	if seen {
		return true
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) != nil {
			continue
		}
		a.mu.Lock()
		a.known[d] = struct{}{}
		a.mu.Unlock()
		return true
	}
	return false
}

func (a *APIKeyAuth) keyOf(r *http.Request) string {
	if k := r.Header.Get(a.header); k != "" {
		return k
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch key := a.keyOf(r); {
		case key == "":
			writeError(w, http.StatusUnauthorized, "missing_api_key", "API key is required")
		case !a.IsValid(key):
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// HARDENING
// ══════════════════════════════════════════════════════════════════════════════

var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// SecurityHeadersMiddleware marks API responses as uncacheable JSON that
// must not be framed or sniffed.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// RequestSizeLimitMiddleware rejects declared bodies over maxBytes up front
// and caps the bytes read from the rest.
func RequestSizeLimitMiddleware(maxBytes int64) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes the API's error envelope without a request ID; these
// rejections happen before the handler sees the request.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
