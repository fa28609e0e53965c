package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers.
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// defaultWebhookBurstPerMinute is the inbound burst guard applied per
// (org, source) pair on the webhook receiver, ahead of any billing-plan
// quota the tenant might negotiate.
const defaultWebhookBurstPerMinute = 600

// RateLimiter enforces the inbound webhook burst guard described in the
// receiver contract (429 on a hot loop from a misbehaving provider or a
// replay attack), counted per (org, source) pair.
type RateLimiter struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cache *cache.Cache, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		logger: logger,
	}
}

// CheckWebhookBurst checks the per-(org,source) inbound burst guard and
// returns rate limit info suitable for response headers.
func (rl *RateLimiter) CheckWebhookBurst(ctx context.Context, orgID uuid.UUID, source models.Source) (bool, *RateLimitInfo, error) {
	now := time.Now()
	resetAt := now.Truncate(time.Minute).Add(time.Minute).Unix()
	minuteKey := fmt.Sprintf("ratelimit:webhook:%s:%s:minute:%s", orgID, source, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, nil, err
	}
	if count == 1 {
		rl.cache.Expire(ctx, minuteKey, 65*time.Second)
	}

	info := &RateLimitInfo{Limit: defaultWebhookBurstPerMinute, ResetAt: resetAt}

	if count > defaultWebhookBurstPerMinute {
		rl.logger.Warn("webhook burst guard tripped",
			zap.String("org_id", orgID.String()),
			zap.String("source", string(source)),
			zap.Int64("count", count),
		)
		info.Remaining = 0
		info.RetryAfter = resetAt - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		return false, info, nil
	}

	info.Remaining = defaultWebhookBurstPerMinute - count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return true, info, nil
}

// GetRateLimitHeaders returns HTTP headers for rate limit information.
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}
