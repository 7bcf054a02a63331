package httpapi

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"nhooyr.io/websocket"
)

type ServerConfig struct {
	// JWTSecret signs admin tokens. Empty leaves the admin routes open, which
	// only makes sense on a loopback listener.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// StatusFunc reports the live auditor state.
type StatusFunc func() audit.Status

type Server struct {
	cfg         ServerConfig
	status      StatusFunc
	feed        *Feed
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type statusResponse struct {
	audit.Status
	FeedSubscribers int `json:"feedSubscribers"`
}

func NewServer(status StatusFunc, feed *Feed, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if status == nil {
		status = func() audit.Status { return audit.Status{State: audit.StateStopped} }
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		status:      status,
		feed:        feed,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", getCorrelationID(r))
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/dashboard", "/dashboard/":
		s.handleDashboard(w, r)
	case "/v1/status":
		if !s.authorize(w, r, r.Header.Get("Authorization"), scopeStatusRead) {
			return
		}
		s.handleStatus(w, r)
	case "/v1/events/ws":
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// browsers cannot set headers on a websocket handshake
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if !s.authorize(w, r, authHeader, scopeFeedStream) {
			return
		}
		s.handleFeed(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, authHeader, scope string) bool {
	key := clientKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return false
		}
		key = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(key, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.status()}
	if s.feed != nil {
		resp.FeedSubscribers = s.feed.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "not_found", "event feed is disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	s.feed.serve(r.Context(), conn)
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
