package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/internal/event"
)

// Ring is the hot tier: a per-tenant sorted set in Redis, scored by sequence
// number, capped at a fixed size and expiring with the retention window.
// It serves the common reconnect case (a short disconnect) without touching
// the durable log.
type Ring struct {
	redis *redis.Client
	size  int
	ttl   time.Duration
}

func NewRing(rdb *redis.Client, size int, ttl time.Duration) *Ring {
	if size <= 0 {
		size = 1000
	}
	return &Ring{redis: rdb, size: size, ttl: ttl}
}

func ringKey(tenantID uuid.UUID) string {
	return "sync:ring:" + tenantID.String()
}

func (r *Ring) Push(ctx context.Context, ev event.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	key := ringKey(ev.TenantID)
	pipe := r.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Sequence), Member: string(data)})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.size-1))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns cached events above since, ascending. Session-scoped events
// belonging to a different user are skipped before the limit applies. covered
// reports whether the ring's window actually includes the requested range;
// when false the caller must fall back to the durable log.
func (r *Ring) Since(ctx context.Context, tenantID, user uuid.UUID, since int64, limit int) (events []event.Event, covered bool, err error) {
	key := ringKey(tenantID)

	oldest, newest, ok, err := r.bounds(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if since >= newest {
		// Nothing newer than the cursor; the ring holds the most recent
		// window, so an empty result is exact.
		return nil, true, nil
	}
	if since+1 < oldest {
		return nil, false, nil
	}

	// The set is capped at the ring size, so an unbounded range read stays
	// small; filtering happens here so limit counts deliverable events.
	members, err := r.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	events = make([]event.Event, 0, limit)
	for _, m := range members {
		ev, err := event.Unmarshal([]byte(m))
		if err != nil {
			// A corrupt cache entry invalidates the fast path; the durable
			// log remains correct.
			return nil, false, nil
		}
		if ev.Expired(now) {
			// Expired entries mean the window boundary moved past part of
			// the requested range; let the store decide between log
			// fallback and a gap signal.
			return nil, false, nil
		}
		if ev.UserID != nil && *ev.UserID != user {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	return events, true, nil
}

func (r *Ring) bounds(ctx context.Context, key string) (oldest int64, newest int64, ok bool, err error) {
	lo, err := r.redis.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(lo) == 0 {
		return 0, 0, false, nil
	}
	hi, err := r.redis.ZRangeWithScores(ctx, key, -1, -1).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(hi) == 0 {
		return 0, 0, false, nil
	}
	return int64(lo[0].Score), int64(hi[0].Score), true, nil
}
