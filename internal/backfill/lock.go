package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/revguard/revguard/pkg/cache"
)

// lockTTL is the lease a backfill run holds; if the process dies
// mid-run the lock expires on its own rather than wedging the org.
const lockTTL = time.Hour

// ErrBackfillRunning is returned when a backfill is requested for an
// (org, source) pair that already has one in flight.
var ErrBackfillRunning = fmt.Errorf("backfill: already running for this organization and source")

func lockKey(orgID, source string) string {
	return fmt.Sprintf("backfill-lock:%s:%s", source, orgID)
}

// acquireLock takes the NX/TTL advisory lock for an (org, source) pair.
func acquireLock(ctx context.Context, c *cache.Cache, orgID, source, runID string) (bool, error) {
	return c.SetNX(ctx, lockKey(orgID, source), runID, lockTTL)
}

// releaseLock drops the lock early on completion or failure, so a
// re-run doesn't have to wait out the full lease.
func releaseLock(ctx context.Context, c *cache.Cache, orgID, source string) error {
	return c.Delete(ctx, lockKey(orgID, source))
}
