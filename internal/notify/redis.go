package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// DefaultChannel is the Redis pub/sub channel click events are published on.
const DefaultChannel = "clicktracker:clicks"

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("notify: bus closed")

// Redis is a Bus backed by Redis pub/sub, so every API replica and every
// observer sees clicks recorded by any other replica.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis takes ownership of client; Close closes it.
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) PublishClick(ctx context.Context, ev tracking.ClickEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal click: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// events published after Subscribe returns are never missed.
func (r *Redis) Subscribe(ctx context.Context) (<-chan tracking.ClickEvent, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", r.channel, err)
	}

	out := make(chan tracking.ClickEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev tracking.ClickEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("notify: dropping malformed click event", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					r.logger.Debug("notify: subscriber full, dropping event", "tracking_id", ev.TrackingID)
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
