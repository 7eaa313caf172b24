// Package httpapi mounts the HTTP surface over a gateway.Gateway:
// intent creation/lookup, magic-link issuance and redemption, status
// polling, and a manual scan trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/satoshigate/paygate/internal/gateway"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

// Gateway is the narrow surface handler needs from internal/gateway.
type Gateway interface {
	CreateIntent(ctx context.Context, p intent.CreateParams) (storage.Intent, error)
	EnsureAssigned(ctx context.Context, intentID string) (gateway.AssignedResult, error)
	IssueToken(ctx context.Context, intentID string, ttl time.Duration) (gateway.IssuedToken, error)
	RedeemToken(ctx context.Context, token string) (gateway.RedeemResult, error)
	GetStatus(ctx context.Context, intentID string) (gateway.StatusResult, error)
	ScanForPayments(ctx context.Context, intentID string) error
}

// IntentGetter is the narrow read surface GET /intents/:id needs; the
// gateway does not expose a raw intent read, so the handler talks to
// storage directly for that one route.
type IntentGetter interface {
	GetIntent(ctx context.Context, id string) (storage.Intent, error)
}

// Config carries the handler's dependencies and tunables.
type Config struct {
	BasePath string
	Gateway  Gateway
	Intents  IntentGetter

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// NewHandler builds the routed, rate-limited http.Handler for the payment
// gateway's HTTP surface.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil || cfg.Intents == nil {
		return nil, fmt.Errorf("%w: nil gateway or intents reader", ErrInvalidConfig)
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/pay"
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST "+cfg.BasePath+"/intents", h.handleCreateIntent)
	mux.HandleFunc("GET "+cfg.BasePath+"/intents/{id}", h.handleGetIntent)
	mux.HandleFunc("POST "+cfg.BasePath+"/intents/{id}/magic-link", h.handleMagicLink)
	mux.HandleFunc("GET "+cfg.BasePath+"/pay/{token}", h.handlePay)
	mux.HandleFunc("GET "+cfg.BasePath+"/status", h.handleStatus)
	mux.HandleFunc("POST "+cfg.BasePath+"/scan/{id}", h.handleScan)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type createIntentBody struct {
	AmountSats       int64  `json:"amountSats"`
	Email            string `json:"email"`
	CustomerID       string `json:"customerId"`
	Memo             string `json:"memo"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	RequiredConfs    int    `json:"requiredConfs"`
}

func (h *handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[createIntentBody](w, r)
	if !ok {
		return
	}
	in, err := h.cfg.Gateway.CreateIntent(r.Context(), intent.CreateParams{
		AmountSats:       body.AmountSats,
		Email:            body.Email,
		CustomerID:       body.CustomerID,
		Memo:             body.Memo,
		ExpiresInMinutes: body.ExpiresInMinutes,
		RequiredConfs:    body.RequiredConfs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (h *handler) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := h.cfg.Intents.GetIntent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type magicLinkBody struct {
	TTLHours float64 `json:"ttlHours"`
}

func (h *handler) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var ttl time.Duration
	if r.ContentLength != 0 {
		body, ok := decodeJSONBody[magicLinkBody](w, r)
		if !ok {
			return
		}
		if body.TTLHours > 0 {
			ttl = time.Duration(body.TTLHours * float64(time.Hour))
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	issued, err := h.cfg.Gateway.IssueToken(r.Context(), id, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (h *handler) handlePay(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	redeemed, err := h.cfg.Gateway.RedeemToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, gateway.ErrAuth) || errors.Is(err, gateway.ErrTokenExpired) || errors.Is(err, gateway.ErrNotFound) {
			writeJSON(w, http.StatusGone, map[string]any{"error": "Invalid or expired link"})
			return
		}
		writeError(w, err)
		return
	}
	assigned, err := h.cfg.Gateway.EnsureAssigned(r.Context(), redeemed.IntentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assigned)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("intentId"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing intentId"})
		return
	}
	status, err := h.cfg.Gateway.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.cfg.Gateway.ScanForPayments(r.Context(), id); err != nil {
		if errors.Is(err, gateway.ErrTransient) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "watcher unavailable"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// writeError maps a gateway error to its HTTP status, never
// leaking internal detail for auth/expiry failures.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation error"})
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, gateway.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "invalid state"})
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict"})
	case errors.Is(err, gateway.ErrAuth), errors.Is(err, gateway.ErrTokenExpired):
		writeJSON(w, http.StatusGone, map[string]any{"error": "Invalid or expired link"})
	case errors.Is(err, gateway.ErrTransient):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
