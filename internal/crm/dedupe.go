package crm

import (
	"context"
	"time"

	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses duplicate webhook deliveries. Redis is the fast path;
// the processed_events table is authoritative, so a Redis outage degrades
// to database-only deduplication instead of double processing.
//
// Seen only checks. The key is claimed with Mark after the delivery has
// been applied, so a failed delivery is retryable on the next attempt.
type Deduper struct {
	rdb    *redis.Client
	ledger repository.EventLedger
	ttl    time.Duration
	log    *logger.Logger
}

// NewDeduper creates a deduper. rdb may be nil in tests that only exercise
// the ledger path.
func NewDeduper(rdb *redis.Client, ledger repository.EventLedger, ttl time.Duration, log *logger.Logger) *Deduper {
	return &Deduper{rdb: rdb, ledger: ledger, ttl: ttl, log: log}
}

func dedupeKey(tenantID, eventKey string) string {
	return "dedupe:" + tenantID + ":" + eventKey
}

// Seen reports whether this delivery was already processed. It does not
// claim the key.
func (d *Deduper) Seen(ctx context.Context, tenantID, eventKey string) (bool, error) {
	if d.rdb != nil {
		n, err := d.rdb.Exists(ctx, dedupeKey(tenantID, eventKey)).Result()
		if err != nil {
			d.log.WithContext(ctx).Warn("redis dedupe unavailable, falling back to ledger",
				"tenant_id", tenantID, "error", err)
		} else if n > 0 {
			return true, nil
		}
	}
	return d.ledger.EventProcessed(ctx, tenantID, eventKey)
}

// Mark records a successfully processed delivery. Failures are logged and
// not returned: the delivery already took effect, and a redelivered event
// lands on the stale guard instead of being applied twice.
func (d *Deduper) Mark(ctx context.Context, tenantID, eventKey string) {
	if d.rdb != nil {
		if err := d.rdb.Set(ctx, dedupeKey(tenantID, eventKey), 1, d.ttl).Err(); err != nil {
			d.log.WithContext(ctx).Warn("redis dedupe mark failed",
				"tenant_id", tenantID, "error", err)
		}
	}
	if _, err := d.ledger.MarkEventProcessed(ctx, tenantID, eventKey); err != nil {
		d.log.WithContext(ctx).Warn("event ledger mark failed",
			"tenant_id", tenantID, "event_key", eventKey, "error", err)
	}
}
