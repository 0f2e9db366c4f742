package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", cb.State())

	_, err := cb.Execute(ctx, func() (interface{}, error) { return "never", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerPassesThroughWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker("test")

	result, err := cb.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", cb.State())

	m := cb.Metrics()
	assert.Equal(t, uint64(1), m.TotalRequests)
	assert.Equal(t, uint64(1), m.TotalSuccesses)
}

func TestCircuitBreakerRejectsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
