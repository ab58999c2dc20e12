// Package queue is the work queue carrying run requests from the
// submission API to the execution engine. Delivery is at-least-once;
// enqueues are deduplicated so one run is queued at most once at any
// time.
package queue

import (
	"context"
	"time"
)

// Standard message attribute keys
const (
	AttrRunID        = "runId"
	AttrWorkflowID   = "workflowId"
	AttrTenantID     = "tenantId"
	AttrRetryAttempt = "retryAttempt"
)

// Message is a dequeued run request with its delivery metadata
type Message struct {
	ID            string
	Body          []byte
	GroupID       string
	Attributes    map[string]string
	DeliveryCount int64
}

// EnqueueOptions controls deduplication, ordering, and delivery timing
type EnqueueOptions struct {
	// DedupID suppresses duplicate enqueues for its TTL; runId, or
	// runId-retry-<ts> for intentional re-enqueues
	DedupID string
	// GroupID preserves ordering per group; always the tenantId
	GroupID string
	// Delay postpones delivery, capped by the queue's max delay
	Delay      time.Duration
	Attributes map[string]string
}

// Handler processes one message. Returning nil acknowledges the message;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Stats is a point-in-time queue depth snapshot
type Stats struct {
	Ready        int64
	Delayed      int64
	DeadLettered int64
}

// Queue interface for run request passing
type Queue interface {
	// Enqueue publishes a message. Returns false when the dedup id
	// suppressed the enqueue.
	Enqueue(ctx context.Context, body []byte, opts EnqueueOptions) (bool, error)
	// Consume delivers messages to handler until ctx is done. Messages
	// redelivered past the poison threshold move to the dead-letter
	// queue instead.
	Consume(ctx context.Context, consumer string, handler Handler) error
	// DeadLetter routes a message the handler rejected permanently
	// (malformed body) straight to the dead-letter queue. The handler
	// still returns nil afterwards so the message is acked.
	DeadLetter(ctx context.Context, msg *Message, reason string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
