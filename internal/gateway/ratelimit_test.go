package gateway

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.RedisConfig{
		Host: mr.Host(),
		Port: func() int {
			port, _ := strconv.Atoi(mr.Port())
			return port
		}(),
		DB: 0,
	}
	c, err := cache.NewCache(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	return c, func() {
		c.Close()
		mr.Close()
	}
}

func TestRateLimiterWebhookBurst(t *testing.T) {
	cacheClient, cleanup := setupLimiterCache(t)
	defer cleanup()

	rl := NewRateLimiter(cacheClient, zap.NewNop())
	orgID := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	allowed, info, err := rl.CheckWebhookBurst(ctx, orgID, models.SourceStripe)
	if err != nil || !allowed {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if info.Remaining != defaultWebhookBurstPerMinute-1 {
		t.Fatalf("expected remaining %d, got %d", defaultWebhookBurstPerMinute-1, info.Remaining)
	}

	for i := 0; i < defaultWebhookBurstPerMinute-1; i++ {
		if _, _, err := rl.CheckWebhookBurst(ctx, orgID, models.SourceStripe); err != nil {
			t.Fatalf("burst request %d errored: %v", i, err)
		}
	}

	allowed, info, err = rl.CheckWebhookBurst(ctx, orgID, models.SourceStripe)
	if err != nil {
		t.Fatalf("over-limit request errored: %v", err)
	}
	if allowed {
		t.Fatal("expected burst guard to reject request over the per-minute ceiling")
	}
	if info.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after on rejection")
	}

	// A different source for the same org gets its own bucket.
	allowed, _, err = rl.CheckWebhookBurst(ctx, orgID, models.SourceApple)
	if err != nil || !allowed {
		t.Fatalf("different source should have an independent bucket: %v", err)
	}
}
