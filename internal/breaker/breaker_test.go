package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := r.Call(ctx, "stripe", 3, 50*time.Millisecond, 1, func(ctx context.Context) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
	}

	err := r.Call(ctx, "stripe", 3, 50*time.Millisecond, 1, func(ctx context.Context) error {
		t.Fatal("call should not reach fn while breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestRegistryHalfOpenRecovers(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = r.Call(ctx, "apple", 2, 20*time.Millisecond, 1, func(ctx context.Context) error {
			return boom
		})
	}

	time.Sleep(30 * time.Millisecond)

	err := r.Call(ctx, "apple", 2, 20*time.Millisecond, 1, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	snapshot := r.Snapshot()
	var found bool
	for _, s := range snapshot {
		if s.Name == "apple" {
			found = true
			assert.Equal(t, "closed", s.State)
		}
	}
	assert.True(t, found)
}
