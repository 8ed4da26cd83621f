// README: Visit event fan-out over Redis pub/sub.
package visit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const EventsChannel = "visits:events"

// RedisEventSink publishes visit events as JSON. Delivery to devices is left
// to whatever subscribes to the channel.
type RedisEventSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisEventSink(rdb *redis.Client) *RedisEventSink {
	return &RedisEventSink{rdb: rdb, channel: EventsChannel}
}

func (s *RedisEventSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, payload).Err()
}

// Subscribe decodes events from the channel until ctx is done.
func (s *RedisEventSink) Subscribe(ctx context.Context, fn func(Event)) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				fn(e)
			}
		}
	}()
	return nil
}
