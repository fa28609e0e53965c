package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyBackoffCaps(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 8}

	assert.Equal(t, 500*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 1*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestPolicyDoRetriesThenSucceeds(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicyDoStopsOnPermanentError(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	boom := errors.New("bad payload")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &Permanent{Err: boom}
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestPolicyDoExhaustsAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 3}

	attempts := 0
	boom := errors.New("still failing")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}
