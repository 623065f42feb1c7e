package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

// RedisBridge relays hub changes through a Redis pub/sub channel so sessions hosted on
// other instances observe writes made here.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *slog.Logger
}

func NewRedisBridge(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisBridge {
	b := &RedisBridge{client: client, channel: channel, origin: uuid.NewString(), hub: hub, logger: logger}
	hub.mu.Lock()
	hub.bridge = b.forward
	hub.mu.Unlock()
	return b
}

func (b *RedisBridge) forward(c models.Change) {
	c.Origin = b.origin
	payload, err := json.Marshal(c)
	if err != nil {
		b.logger.Error("bridge marshal", "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.logger.Warn("bridge publish failed", "error", err, "table", c.Table)
	}
}

// Run delivers changes from other instances to the local hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.logger.Warn("bridge: invalid change", "error", err)
				continue
			}
			if c.Origin == b.origin {
				continue
			}
			b.hub.deliver(c)
		}
	}
}
