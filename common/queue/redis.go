package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/redis"
)

// RedisQueue implements Queue on Redis streams. A consumer group provides
// single-owner delivery; unacked messages are reclaimed after the
// visibility timeout, and messages past the poison threshold are moved to
// the dead-letter stream.
type RedisQueue struct {
	client *redis.Client
	cfg    *config.Config
	log    *logger.Logger
}

// delayedMessage is the envelope parked in the delay set until due
type delayedMessage struct {
	Body       json.RawMessage   `json:"body"`
	GroupID    string            `json:"groupId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	DedupID    string            `json:"dedupId"`
}

// NewRedisQueue creates a Redis-streams-backed work queue
func NewRedisQueue(client *redis.Client, cfg *config.Config, log *logger.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		log:    log.WithFields(map[string]any{"component": "queue", "stream": cfg.Queue.Stream}),
	}
}

func (q *RedisQueue) dedupKey(id string) string {
	return "queue:dedup:" + id
}

func (q *RedisQueue) delayedKey() string {
	return q.cfg.Queue.Stream + ":delayed"
}

func (q *RedisQueue) streamValues(body []byte, groupID string, attrs map[string]string) map[string]interface{} {
	values := map[string]interface{}{
		"body":    string(body),
		"groupId": groupID,
	}
	if len(attrs) > 0 {
		raw, _ := json.Marshal(attrs)
		values["attributes"] = string(raw)
	}
	return values
}

// Enqueue publishes a run request, suppressing duplicates by dedup id
func (q *RedisQueue) Enqueue(ctx context.Context, body []byte, opts EnqueueOptions) (bool, error) {
	if opts.DedupID == "" {
		return false, fmt.Errorf("enqueue requires a dedup id")
	}

	wasSet, err := q.client.SetNX(ctx, q.dedupKey(opts.DedupID), "1", q.cfg.Queue.DedupTTL)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if !wasSet {
		q.log.Info("duplicate enqueue suppressed", "dedup_id", opts.DedupID)
		return false, nil
	}

	delay := opts.Delay
	if delay > q.cfg.Queue.MaxDelay {
		delay = q.cfg.Queue.MaxDelay
	}

	if delay > 0 {
		env := delayedMessage{
			Body:       body,
			GroupID:    opts.GroupID,
			Attributes: opts.Attributes,
			DedupID:    opts.DedupID,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return false, fmt.Errorf("marshal delayed message: %w", err)
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.AddToSortedSet(ctx, q.delayedKey(), readyAt, string(raw)); err != nil {
			q.releaseDedup(ctx, opts.DedupID)
			return false, fmt.Errorf("park delayed message: %w", err)
		}
		q.log.Debug("message delayed", "dedup_id", opts.DedupID, "delay", delay)
		return true, nil
	}

	if _, err := q.client.AddToStream(ctx, q.cfg.Queue.Stream, q.streamValues(body, opts.GroupID, opts.Attributes), 0); err != nil {
		q.releaseDedup(ctx, opts.DedupID)
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	return true, nil
}

// releaseDedup undoes the dedup reservation after a failed publish so a
// retry is not silently swallowed.
func (q *RedisQueue) releaseDedup(ctx context.Context, dedupID string) {
	if err := q.client.Delete(ctx, q.dedupKey(dedupID)); err != nil {
		q.log.Warn("failed to release dedup key", "dedup_id", dedupID, "error", err)
	}
}

// Consume delivers messages to handler until ctx is done
func (q *RedisQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	if err := q.client.CreateStreamGroup(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group); err != nil {
		return err
	}
	q.log.Info("queue consumer started", "consumer", consumer, "group", q.cfg.Queue.Group)

	reclaimTicker := time.NewTicker(q.cfg.Queue.VisibilityTimeout)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue consumer stopping", "consumer", consumer)
			return ctx.Err()
		case <-reclaimTicker.C:
			q.reclaim(ctx, consumer, handler)
		default:
		}

		q.promoteDelayed(ctx)

		streams, err := q.client.ReadFromStreamGroup(ctx, q.cfg.Queue.Group, consumer,
			q.cfg.Queue.Stream, int64(q.cfg.Queue.BatchSize), q.cfg.Queue.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("queue read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				q.dispatch(ctx, consumer, q.toMessage(m, 1), handler)
			}
		}
	}
}

func (q *RedisQueue) toMessage(m goredis.XMessage, deliveries int64) *Message {
	msg := &Message{ID: m.ID, DeliveryCount: deliveries}
	if body, ok := m.Values["body"].(string); ok {
		msg.Body = []byte(body)
	}
	if groupID, ok := m.Values["groupId"].(string); ok {
		msg.GroupID = groupID
	}
	if rawAttrs, ok := m.Values["attributes"].(string); ok {
		attrs := make(map[string]string)
		if err := json.Unmarshal([]byte(rawAttrs), &attrs); err == nil {
			msg.Attributes = attrs
		}
	}
	return msg
}

func (q *RedisQueue) dispatch(ctx context.Context, consumer string, msg *Message, handler Handler) {
	if err := handler(ctx, msg); err != nil {
		// No ack: the message stays pending and is redelivered after the
		// visibility timeout.
		q.log.Error("message handler failed, leaving pending",
			"consumer", consumer, "message_id", msg.ID, "deliveries", msg.DeliveryCount, "error", err)
		return
	}
	if err := q.client.AckStreamMessage(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group, msg.ID); err != nil {
		q.log.Error("ack failed", "message_id", msg.ID, "error", err)
	}
}

// promoteDelayed moves due messages from the delay set onto the stream.
// ZREM acts as the claim: only the worker that removed the member
// publishes it.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	max := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.RangeSortedSetByScore(ctx, q.delayedKey(), "-inf", max, int64(q.cfg.Queue.BatchSize))
	if err != nil || len(members) == 0 {
		return
	}

	for _, raw := range members {
		removed, err := q.client.RemoveFromSortedSet(ctx, q.delayedKey(), raw)
		if err != nil || removed == 0 {
			continue
		}
		var env delayedMessage
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.log.Error("dropping malformed delayed message", "error", err)
			continue
		}
		if _, err := q.client.AddToStream(ctx, q.cfg.Queue.Stream, q.streamValues(env.Body, env.GroupID, env.Attributes), 0); err != nil {
			q.log.Error("failed to promote delayed message, re-parking", "dedup_id", env.DedupID, "error", err)
			_ = q.client.AddToSortedSet(ctx, q.delayedKey(), float64(time.Now().UnixMilli()), raw)
		}
	}
}

// reclaim takes over messages whose owner went silent. Messages past the
// poison threshold are copied to the dead-letter stream and acked;
// the rest are re-dispatched on this consumer.
func (q *RedisQueue) reclaim(ctx context.Context, consumer string, handler Handler) {
	pending, err := q.client.PendingStreamMessages(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group,
		q.cfg.Queue.VisibilityTimeout, int64(q.cfg.Queue.BatchSize))
	if err != nil || len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	var poison, retry []string
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		if int(p.RetryCount) >= q.cfg.Queue.PoisonThreshold {
			poison = append(poison, p.ID)
		} else {
			retry = append(retry, p.ID)
		}
	}

	if len(poison) > 0 {
		msgs, err := q.client.ClaimStreamMessages(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group,
			consumer, q.cfg.Queue.VisibilityTimeout, poison)
		if err == nil {
			for _, m := range msgs {
				q.deadLetter(ctx, m, deliveries[m.ID])
			}
		}
	}

	if len(retry) > 0 {
		msgs, err := q.client.ClaimStreamMessages(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group,
			consumer, q.cfg.Queue.VisibilityTimeout, retry)
		if err == nil {
			for _, m := range msgs {
				q.dispatch(ctx, consumer, q.toMessage(m, deliveries[m.ID]+1), handler)
			}
		}
	}
}

// DeadLetter copies a permanently rejected message to the DLQ stream.
// The caller acks the original by returning nil from its handler.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	values := q.streamValues(msg.Body, msg.GroupID, msg.Attributes)
	values["reason"] = reason
	values["deadLetteredAt"] = time.Now().UTC().Format(time.RFC3339)

	if _, err := q.client.AddToStream(ctx, q.cfg.Queue.DLQStream, values, 0); err != nil {
		return fmt.Errorf("dead-letter publish: %w", err)
	}
	q.log.Warn("message dead-lettered by handler", "message_id", msg.ID, "reason", reason)
	return nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, m goredis.XMessage, deliveries int64) {
	values := make(map[string]interface{}, len(m.Values)+2)
	for k, v := range m.Values {
		values[k] = v
	}
	values["deliveries"] = strconv.FormatInt(deliveries, 10)
	values["deadLetteredAt"] = time.Now().UTC().Format(time.RFC3339)

	if _, err := q.client.AddToStream(ctx, q.cfg.Queue.DLQStream, values, 0); err != nil {
		q.log.Error("dead-letter publish failed", "message_id", m.ID, "error", err)
		return
	}
	if err := q.client.AckStreamMessage(ctx, q.cfg.Queue.Stream, q.cfg.Queue.Group, m.ID); err != nil {
		q.log.Error("dead-letter ack failed", "message_id", m.ID, "error", err)
		return
	}
	q.log.Warn("message dead-lettered", "message_id", m.ID, "deliveries", deliveries)
}

// Stats reports stream, delay-set, and dead-letter depths
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.client.StreamLength(ctx, q.cfg.Queue.Stream)
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.client.SortedSetLength(ctx, q.delayedKey())
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.client.StreamLength(ctx, q.cfg.Queue.DLQStream)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready, Delayed: delayed, DeadLettered: dead}, nil
}

// Close is a no-op; the Redis client is owned by bootstrap
func (q *RedisQueue) Close() error {
	return nil
}
