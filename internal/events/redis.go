package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 2 * time.Second

// RedisPublisher mirrors events onto a Redis pub/sub channel so that
// processes other than the worker can follow them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// ChannelName is the default channel for a queue's events.
func ChannelName(queue string) string {
	return "modelqueue:{" + queue + "}:events"
}

func (p *RedisPublisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to encode event", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("Failed to publish event", "channel", p.channel, "error", err)
	}
}

// Subscribe streams decoded events from the channel until ctx ends.
// Messages that do not decode are dropped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
