package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHook_CountsCommands(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClock()
	hook := NewMetricsHook(m, clock)
	ctx := context.Background()

	ok := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		clock.Advance(2 * time.Millisecond)
		return nil
	})
	miss := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	fail := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errors.New("connection reset") })

	cmd := goredis.NewStringCmd(ctx, "hget", "k", "f")
	assert.NoError(t, ok(ctx, cmd))
	assert.ErrorIs(t, miss(ctx, cmd), goredis.Nil)
	assert.Error(t, fail(ctx, cmd))

	assert.InDelta(t, 2, testutil.ToFloat64(m.OpsTotal.WithLabelValues("hget", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("hget", "error")), 0)
}

func TestMetricsHook_NilMetrics(t *testing.T) {
	hook := NewMetricsHook(nil, nil)
	ctx := context.Background()

	pipe := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })
	assert.NoError(t, pipe(ctx, nil))
}
