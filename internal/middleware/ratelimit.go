package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/damaijiwa/internal/auth"
)

// Limit names, used in logs and the rate-limited metric.
const (
	LimitGeneral = "general"
	LimitTurn    = "turn"
)

// RateLimiterConfig holds the per-user limits.
type RateLimiterConfig struct {
	GeneralRate     rate.Limit // every /api request
	GeneralBurst    int
	TurnRate        rate.Limit // generator-backed routes only
	TurnBurst       int
	CleanupInterval time.Duration
}

// NewRateLimiterConfig converts per-minute limits into token bucket settings.
// The burst equals the per-minute allowance.
func NewRateLimiterConfig(generalPerMinute, turnsPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		TurnRate:        rate.Limit(float64(turnsPerMinute) / 60.0),
		TurnBurst:       turnsPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// RejectionRecorder is told about every rejected request. May be nil.
type RejectionRecorder interface {
	RecordRateLimited(limit string)
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet is one family of per-user token buckets.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{limiters: make(map[string]*userLimiter), rate: r, burst: burst}
}

func (s *limiterSet) get(userID string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[userID] = ul
	}
	ul.lastAccess = now
	return ul.limiter
}

func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, ul := range s.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(s.limiters, userID)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter keeps a token bucket per user for general API traffic and a
// stricter one for generator-backed turns. Requests are keyed by the user ID
// that auth.RequireUser put in the context, so it must run after it.
type RateLimiter struct {
	config   RateLimiterConfig
	general  *limiterSet
	turns    *limiterSet
	recorder RejectionRecorder
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter starts a RateLimiter and its background cleanup.
// Call Stop on shutdown.
func NewRateLimiter(config RateLimiterConfig, recorder RejectionRecorder, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		general:  newLimiterSet(config.GeneralRate, config.GeneralBurst),
		turns:    newLimiterSet(config.TurnRate, config.TurnBurst),
		recorder: recorder,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// General limits every authenticated API request.
func (rl *RateLimiter) General() func(http.Handler) http.Handler {
	return rl.middleware(LimitGeneral, rl.general)
}

// Turns limits the routes that call the generator.
func (rl *RateLimiter) Turns() func(http.Handler) http.Handler {
	return rl.middleware(LimitTurn, rl.turns)
}

func (rl *RateLimiter) middleware(name string, set *limiterSet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				// Nothing to key on; RequireUser rejects these earlier.
				next.ServeHTTP(w, r)
				return
			}

			if !rl.allow(name, set, userID) {
				writeRateLimitResponse(w, set.rate)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AllowTurn spends one token from userID's turn bucket. Long-lived
// connections that run several turns call it once per turn.
func (rl *RateLimiter) AllowTurn(userID string) bool {
	return rl.allow(LimitTurn, rl.turns, userID)
}

func (rl *RateLimiter) allow(name string, set *limiterSet, userID string) bool {
	if set.get(userID, time.Now()).Allow() {
		return true
	}
	if rl.recorder != nil {
		rl.recorder.RecordRateLimited(name)
	}
	rl.logger.Warn("rate limit exceeded",
		slog.String("userID", userID),
		slog.String("limit", name),
	)
	return false
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle for more than two cleanup intervals. An idle
// bucket has refilled completely, so recreating it later changes nothing.
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.turns.evictIdle(now, ttl)
}

// writeRateLimitResponse sends 429 with a Retry-After of the time it takes
// one token to refill.
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfter := 1
	if r > 0 {
		retryAfter = int(math.Ceil(1.0 / float64(r)))
		if retryAfter < 1 {
			retryAfter = 1
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
}
