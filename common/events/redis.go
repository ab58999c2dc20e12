package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/redis"
)

// RedisBus publishes envelopes onto a Redis stream, trimmed approximately
// to the configured length.
type RedisBus struct {
	client *redis.Client
	cfg    *config.Config
}

// NewRedisBus creates a stream-backed event bus
func NewRedisBus(client *redis.Client, cfg *config.Config) *RedisBus {
	return &RedisBus{client: client, cfg: cfg}
}

// Publish appends the envelope to the event stream
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	resources, err := json.Marshal(env.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}

	values := map[string]interface{}{
		"source":     env.Source,
		"detailType": env.DetailType,
		"detail":     string(env.Detail),
		"resources":  string(resources),
		"time":       env.Time.Format(time.RFC3339Nano),
	}
	_, err = b.client.AddToStream(ctx, b.cfg.Events.Stream, values, b.cfg.Events.MaxLen)
	return err
}

// Close is a no-op; the Redis client is owned by bootstrap
func (b *RedisBus) Close() error {
	return nil
}
