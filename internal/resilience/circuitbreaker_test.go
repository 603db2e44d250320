package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("oracle", CircuitBreakerConfig{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}, zerolog.Nop())
	cb.now = clock.now
	return cb, clock
}

var errUpstream = errors.New("upstream 502")

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.Stats().Rejected)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestHalfOpenTrialAfterCooldown(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, CircuitOpen, cb.State())

	clock.advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, ok), errors.ErrCircuitOpen)

	clock.advance(31 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, CircuitOpen, cb.State(), "failed trial reopens")
}

func TestCallerCancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(3)
	v, err := Execute(context.Background(), cb, func(context.Context) (string, error) {
		return "HOLD", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HOLD", v)
	assert.Equal(t, int64(1), cb.Stats().Requests)
}
