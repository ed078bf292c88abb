package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
)

// Actions clients report. heartbeat refreshes the TTL without changing the
// last reported action; left removes the record.
const (
	ActionViewing   = "viewing"
	ActionEditing   = "editing"
	ActionIdle      = "idle"
	ActionHeartbeat = "heartbeat"
	ActionLeft      = "left"
)

func ValidAction(a string) bool {
	switch a {
	case ActionViewing, ActionEditing, ActionIdle, ActionHeartbeat, ActionLeft:
		return true
	}
	return false
}

// State is one user's presence on one record.
type State struct {
	UserID   uuid.UUID `json:"userId"`
	UserName string    `json:"userName"`
	Action   string    `json:"action"`
	At       time.Time `json:"timestamp"`
}

// Tracker keeps presence in Redis: one hash per (tenant, entityType,
// entityID), one field per user, plus a per-user index for tenant-wide
// removal. Expiry is lazy: stale entries are filtered (and deleted) at read
// time; no notification is pushed when a user's heartbeats stop.
type Tracker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger logx.Logger
	now    func() time.Time
}

func NewTracker(rdb *redis.Client, ttl time.Duration, logger logx.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{
		redis:  rdb,
		ttl:    ttl,
		logger: logger.Component("presence"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func entityKey(tenantID uuid.UUID, entityType, entityID string) string {
	return fmt.Sprintf("sync:presence:%s:%s:%s", tenantID, entityType, entityID)
}

func userIndexKey(tenantID, userID uuid.UUID) string {
	return fmt.Sprintf("sync:presence:user:%s:%s", tenantID, userID)
}

// Track upserts the user's presence record and resets its TTL.
func (t *Tracker) Track(ctx context.Context, tenantID, userID uuid.UUID, userName, entityType, entityID, action string) error {
	if !ValidAction(action) || action == ActionLeft {
		return fmt.Errorf("invalid presence action %q", action)
	}

	key := entityKey(tenantID, entityType, entityID)

	if action == ActionHeartbeat {
		prev, err := t.redis.HGet(ctx, key, userID.String()).Result()
		if err == nil {
			var st State
			if json.Unmarshal([]byte(prev), &st) == nil && st.Action != "" {
				action = st.Action
			} else {
				action = ActionViewing
			}
		} else {
			action = ActionViewing
		}
	}

	st := State{UserID: userID, UserName: userName, Action: action, At: t.now()}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key, userID.String(), data)
	pipe.Expire(ctx, key, t.ttl)
	pipe.SAdd(ctx, userIndexKey(tenantID, userID), key)
	pipe.Expire(ctx, userIndexKey(tenantID, userID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	metricsx.IncPresenceOp("track")
	return nil
}

// Get returns unexpired presence for one record. Entries past the TTL are
// skipped and opportunistically deleted.
func (t *Tracker) Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) ([]State, error) {
	key := entityKey(tenantID, entityType, entityID)
	fields, err := t.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	cutoff := t.now().Add(-t.ttl)
	states := make([]State, 0, len(fields))
	var stale []string
	for field, raw := range fields {
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			stale = append(stale, field)
			continue
		}
		if st.At.Before(cutoff) {
			stale = append(stale, field)
			continue
		}
		states = append(states, st)
	}

	if len(stale) > 0 {
		if err := t.redis.HDel(ctx, key, stale...).Err(); err != nil {
			t.logger.Warn(ctx, "presence_prune_failed", "stale presence cleanup failed",
				slog.String("error", err.Error()),
			)
		}
		metricsx.IncPresenceOp("expire")
	}

	return states, nil
}

// Remove deletes one scoped presence record, used when a client reports
// "left" for a specific record.
func (t *Tracker) Remove(ctx context.Context, tenantID, userID uuid.UUID, entityType, entityID string) error {
	key := entityKey(tenantID, entityType, entityID)
	pipe := t.redis.TxPipeline()
	pipe.HDel(ctx, key, userID.String())
	pipe.SRem(ctx, userIndexKey(tenantID, userID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metricsx.IncPresenceOp("remove")
	return nil
}

// RemoveAll clears every presence record the user holds in the tenant; used
// on logout and disconnect.
func (t *Tracker) RemoveAll(ctx context.Context, tenantID, userID uuid.UUID) error {
	idx := userIndexKey(tenantID, userID)
	keys, err := t.redis.SMembers(ctx, idx).Result()
	if err != nil {
		return err
	}

	pipe := t.redis.TxPipeline()
	for _, key := range keys {
		pipe.HDel(ctx, key, userID.String())
	}
	pipe.Del(ctx, idx)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metricsx.IncPresenceOp("remove")
	return nil
}
