package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrRateLimited is wrapped by every rejection produced from a Decision.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of a CheckAndConsume call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time left in the current window; zero when allowed
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Err returns nil for allowed decisions and a *LimitError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{RetryAfter: d.RetryAfter}
}

// LimitError carries the retry-after hint of a rejection.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Limiter is a fixed-window request throttle keyed by caller.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string) Decision
}

// FixedWindow is an in-memory fixed-window counter with a periodic sweep.
type FixedWindow struct {
	mu            sync.Mutex
	max           int
	window        time.Duration
	buckets       map[string]*bucket
	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewFixedWindow creates a limiter allowing max events per window and key.
// A positive sweepInterval starts the background sweeper; call Stop to end it.
func NewFixedWindow(max int, window, sweepInterval time.Duration) *FixedWindow {
	if max <= 0 {
		max = 600
	}
	if window <= 0 {
		window = time.Second
	}
	s := &FixedWindow{
		max:           max,
		window:        window,
		buckets:       map[string]*bucket{},
		now:           time.Now,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

func (s *FixedWindow) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the sweeper. Safe to call more than once.
func (s *FixedWindow) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// CheckAndConsume starts a fresh window when the key has none or its window
// has expired, rejects once the count reached the ceiling and otherwise
// counts the event.
func (s *FixedWindow) CheckAndConsume(_ context.Context, key string) Decision {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(s.window)}
		s.buckets[key] = b
	}
	if b.count >= s.max {
		return Decision{Allowed: false, RetryAfter: b.resetAt.Sub(now)}
	}
	b.count++
	return Decision{Allowed: true}
}

// Sweep removes buckets whose window expired more than one window ago and
// returns how many were removed.
func (s *FixedWindow) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		if !now.Before(b.resetAt.Add(s.window)) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (s *FixedWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisFixedWindow shares the fixed-window counters between instances.
// The window starts at the first event of a key, matching FixedWindow.
type RedisFixedWindow struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	logger zerolog.Logger
}

// NewRedisFixedWindow creates a Redis-backed limiter.
func NewRedisFixedWindow(client *redis.Client, prefix string, max int, window time.Duration, logger zerolog.Logger) (*RedisFixedWindow, error) {
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	if max <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "carhub:ratelimit"
	}
	return &RedisFixedWindow{
		client: client,
		prefix: prefix,
		max:    max,
		window: window,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}, nil
}

// CheckAndConsume implements Limiter. Redis failures reject the call.
func (l *RedisFixedWindow) CheckAndConsume(ctx context.Context, key string) Decision {
	key = strings.TrimSpace(key)
	if key == "" {
		key = AnonymousKey
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, rejecting")
		return Decision{Allowed: false, RetryAfter: l.window}
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if count > int64(l.max) {
		if ttl <= 0 {
			ttl = l.window
		}
		return Decision{Allowed: false, RetryAfter: ttl}
	}
	return Decision{Allowed: true}
}

// AnonymousKey is the shared bucket for callers without an identity.
const AnonymousKey = "anonymous"

// KeyFunc extracts the rate limit key from a request context.
type KeyFunc func(ctx context.Context) string

// RateLimitUnaryInterceptor returns a grpc.UnaryServerInterceptor that applies
// the limiter to the supplied methods, keyed by keyFn (authenticated user id)
// or AnonymousKey. Rejections carry a retry-after trailer in seconds.
func RateLimitUnaryInterceptor(limiter Limiter, limitedMethods map[string]bool, keyFn KeyFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limitedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		key := ""
		if keyFn != nil {
			key = keyFn(ctx)
		}
		if key == "" {
			key = AnonymousKey
		}

		d := limiter.CheckAndConsume(ctx, key)
		if !d.Allowed {
			metrics.RateLimitHits.WithLabelValues(info.FullMethod).Inc()
			secs := d.RetryAfterSeconds()
			_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.Itoa(secs)))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %ds", secs)
		}

		return handler(ctx, req)
	}
}
