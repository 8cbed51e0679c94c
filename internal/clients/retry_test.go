package clients

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/domain"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(fmt.Errorf("schema mismatch")))

	assert.True(t, IsTransient(&HTTPError{StatusCode: 429}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 502}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 503}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 504}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 401}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 404}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 500}))

	assert.True(t, IsTransient(fmt.Errorf("upstream rate limit hit")))
	assert.True(t, IsTransient(fmt.Errorf("Too Many Requests")))
	assert.True(t, IsTransient(fmt.Errorf("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: i/o timeout")))

	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", domain.ErrProviderTransient)))
	assert.False(t, IsTransient(fmt.Errorf("wrapped: %w", domain.ErrProviderFatal)))
}

func TestRetryPolicy_SucceedsAfterTransient(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, zerolog.Nop())

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_FatalStopsImmediately(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, zerolog.Nop())

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return &HTTPError{StatusCode: 401}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ExhaustionBecomesFatal(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond, zerolog.Nop())

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return &HTTPError{StatusCode: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.ErrorIs(t, err, domain.ErrProviderFatal)
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	p := NewRetryPolicy(5, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, "op", func() error {
		return &HTTPError{StatusCode: 503}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThrottle_EnforcesInterval(t *testing.T) {
	th := NewThrottle(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestThrottle_ZeroInterval(t *testing.T) {
	th := NewThrottle(0)
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, th.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
