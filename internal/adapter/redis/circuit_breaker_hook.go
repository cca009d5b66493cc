package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const breakerComponent = "redis"

// CircuitBreakerHook implements redis.Hook to add circuit breaker protection
// to all Redis operations. While the circuit is open, HGET reads are served
// from the last successful result so known links keep routing.
type CircuitBreakerHook struct {
	cb    circuitbreaker.CircuitBreaker[any]
	cache *cacheStore
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type cacheStore struct {
	mu     sync.RWMutex
	values map[string]cachedValue
}

type cachedValue struct {
	data      string
	timestamp time.Time
}

const cacheTTL = 5 * time.Minute

// BreakerSettings tunes the failure-rate breaker.
type BreakerSettings struct {
	FailureRate      float64
	MinExecutions    uint
	Window           time.Duration
	Delay            time.Duration
	SuccessThreshold uint
}

// DefaultBreakerSettings opens at a 60% failure rate over at least 5 calls in
// a 10s window, and probes again after 30s.
var DefaultBreakerSettings = BreakerSettings{
	FailureRate:      0.6,
	MinExecutions:    5,
	Window:           10 * time.Second,
	Delay:            30 * time.Second,
	SuccessThreshold: 1,
}

func NewCircuitBreakerHook(settings BreakerSettings, m *metrics.BreakerMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(settings.FailureRate, settings.MinExecutions, settings.Window).
		WithDelay(settings.Delay).
		WithSuccessThreshold(settings.SuccessThreshold).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", breakerComponent,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.Transition(breakerComponent, e.NewState.String(), stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:    cb,
		cache: &cacheStore{values: make(map[string]cachedValue)},
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.HalfOpenState:
		return metrics.BreakerHalfOpen
	case circuitbreaker.OpenState:
		return metrics.BreakerOpen
	default:
		return metrics.BreakerClosed
	}
}

// isOutage reports whether err says something about Redis availability.
// Server replies (NOSCRIPT, WRONGTYPE, nil) prove Redis is up.
func isOutage(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) {
		return false
	}
	var replyErr goredis.Error
	return !errors.As(err, &replyErr)
}

func (h *CircuitBreakerHook) record(err error) {
	if isOutage(err) {
		h.cb.RecordError(err)
		return
	}
	h.cb.RecordSuccess()
}

// DialHook wraps connection establishment with circuit breaker
func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		h.record(err)
		if err != nil {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		return conn, nil
	}
}

// ProcessHook wraps command execution with circuit breaker and caching
func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.handleFallback(cmd)
		}

		err := next(ctx, cmd)
		h.record(err)

		if err == nil {
			h.cacheResult(cmd)
		}
		return err
	}
}

// ProcessPipelineHook wraps pipeline execution with circuit breaker
func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		h.record(err)
		return err
	}
}

// handleFallback serves cached HGET results while the circuit is open.
func (h *CircuitBreakerHook) handleFallback(cmd goredis.Cmder) error {
	if cmd.Name() == "hget" {
		if c, ok := cmd.(*goredis.StringCmd); ok {
			if result, ok := h.getFromCache(cmd); ok {
				slog.Debug("Circuit breaker open, serving from cache", "args", cmd.Args())
				c.SetVal(result)
				return nil
			}
		}
	}
	return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
}

func cacheKey(cmd goredis.Cmder) (string, bool) {
	args := cmd.Args()
	if len(args) < 3 {
		return "", false
	}
	return fmt.Sprintf("%v\x00%v", args[1], args[2]), true
}

// cacheResult stores successful HGET results for fallback. Writes to a
// hash drop its cached fields, since a relink invalidates them.
func (h *CircuitBreakerHook) cacheResult(cmd goredis.Cmder) {
	switch cmd.Name() {
	case "hget":
		key, ok := cacheKey(cmd)
		if !ok {
			return
		}
		c, ok := cmd.(*goredis.StringCmd)
		if !ok {
			return
		}
		h.cache.mu.Lock()
		h.cache.values[key] = cachedValue{data: c.Val(), timestamp: time.Now()}
		h.cache.mu.Unlock()

	case "evalsha", "eval", "del", "hdel", "hset":
		h.cache.mu.Lock()
		clear(h.cache.values)
		h.cache.mu.Unlock()
	}
}

func (h *CircuitBreakerHook) getFromCache(cmd goredis.Cmder) (string, bool) {
	key, ok := cacheKey(cmd)
	if !ok {
		return "", false
	}

	h.cache.mu.RLock()
	defer h.cache.mu.RUnlock()

	cached, ok := h.cache.values[key]
	if !ok || time.Since(cached.timestamp) > cacheTTL {
		return "", false
	}
	return cached.data, true
}

// State returns the current state of the circuit breaker.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
