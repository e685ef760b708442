package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/circuit"
	"metapulse/internal/logging"
)

type flakySource struct {
	calls int
	err   error
}

func (f *flakySource) FetchLatest(context.Context) (Snapshot, error) {
	f.calls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return NewSnapshot([]Token{{ID: "a"}}, time.Now()), nil
}

func TestGuardedSourceOpensAfterFailures(t *testing.T) {
	src := &flakySource{err: errors.New("status 503")}
	guarded := WithBreaker(src, circuit.NewBreaker(&circuit.Config{
		Enabled:             true,
		MaxConsecutiveFails: 2,
		Cooldown:            time.Hour,
	}), logging.Nop())

	for i := 0; i < 2; i++ {
		_, err := guarded.FetchLatest(context.Background())
		require.Error(t, err)
	}

	_, err := guarded.FetchLatest(context.Background())
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, 2, src.calls, "open breaker skips the upstream")
	assert.Equal(t, "open", guarded.Stats()["state"])
}

func TestGuardedSourcePassesThrough(t *testing.T) {
	src := &flakySource{}
	guarded := WithBreaker(src, circuit.NewBreaker(nil), logging.Nop())

	snap, err := guarded.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Tokens, 1)
	assert.Equal(t, "closed", guarded.Stats()["state"])
}

func TestGuardedSourceCancelledProbeKeepsBreakerOpen(t *testing.T) {
	src := &flakySource{err: errors.New("status 503")}
	breaker := circuit.NewBreaker(&circuit.Config{
		Enabled:             true,
		MaxConsecutiveFails: 2,
		Cooldown:            10 * time.Millisecond,
	})
	guarded := WithBreaker(src, breaker, logging.Nop())

	for i := 0; i < 2; i++ {
		_, _ = guarded.FetchLatest(context.Background())
	}
	require.Equal(t, circuit.StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)
	src.err = context.Canceled
	_, err := guarded.FetchLatest(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuit.StateHalfOpen, breaker.State(), "no answer, no recovery")
	assert.Equal(t, 2, breaker.Stats()["consecutive_fails"])

	src.err = nil
	_, err = guarded.FetchLatest(context.Background())
	require.NoError(t, err, "probe slot released for the next call")
	assert.Equal(t, circuit.StateClosed, breaker.State())
}
