package egress

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/ratelimit"
)

// Quota is the production egress quota: a fixed hourly budget per
// (workspace, domain) pair on top of the shared bucket store. The check
// increments, so probing the quota spends it.
type Quota struct {
	buckets ratelimit.BucketStore
	perHour int
	now     func() time.Time
}

// NewQuota builds the quota checker. perHour <= 0 disables the quota.
func NewQuota(buckets ratelimit.BucketStore, perHour int) *Quota {
	return &Quota{buckets: buckets, perHour: perHour, now: time.Now}
}

// WithClock replaces the time source (tests).
func (q *Quota) WithClock(now func() time.Time) *Quota {
	q.now = now
	return q
}

// WithinQuota implements the policy gate's quota check.
func (q *Quota) WithinQuota(ctx context.Context, workspaceID, domain string) (bool, error) {
	if q.perHour <= 0 {
		return true, nil
	}
	windowStart := q.now().UTC().Truncate(time.Hour)
	key := fmt.Sprintf("egress:%s:%s", workspaceID, domain)
	count, err := q.buckets.Incr(ctx, key, windowStart, 3600)
	if err != nil {
		return false, fmt.Errorf("egress: quota bucket: %w", err)
	}
	return count <= q.perHour, nil
}
