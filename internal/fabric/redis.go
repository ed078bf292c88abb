package fabric

import (
	"context"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/shared/logx"
)

// RedisFabric relays events over a Redis pub/sub channel. Delivery is
// fire-and-forget: a process that is down misses relayed events, which is
// fine because reconnecting clients recover through catch-up.
type RedisFabric struct {
	redis   *redis.Client
	channel string
	logger  logx.Logger
}

func NewRedis(rdb *redis.Client, channel string, logger logx.Logger) *RedisFabric {
	if channel == "" {
		channel = "sync:events"
	}
	return &RedisFabric{redis: rdb, channel: channel, logger: logger.Component("fabric")}
}

func (f *RedisFabric) Publish(ctx context.Context, ev event.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return f.redis.Publish(ctx, f.channel, data).Err()
}

func (f *RedisFabric) Subscribe(ctx context.Context, handle func(event.Event)) error {
	for {
		sub := f.redis.Subscribe(ctx, f.channel)
		ch := sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				ev, err := event.Unmarshal([]byte(msg.Payload))
				if err != nil {
					f.logger.Warn(ctx, "relay_decode_failed", "dropping undecodable relayed event",
						slog.String("error", err.Error()),
					)
					continue
				}
				handle(ev)
			}
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn(ctx, "relay_reconnect", "pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (f *RedisFabric) Close() error {
	return nil
}
