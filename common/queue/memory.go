package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aetheriq/flowcore/common/logger"
)

// MemoryQueue is an in-process Queue for tests and single-node setups.
// It keeps the same contract as the Redis queue: FIFO delivery, dedup by
// id, delayed messages, and dead-lettering past the poison threshold.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []*Message
	delayed []*delayedEntry
	dedup   map[string]time.Time
	dead    []*Message

	dedupTTL        time.Duration
	maxDelay        time.Duration
	poisonThreshold int

	notify chan struct{}
	closed bool
	nextID int64
	log    *logger.Logger
}

type delayedEntry struct {
	msg     *Message
	readyAt time.Time
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(poisonThreshold int, dedupTTL, maxDelay time.Duration, log *logger.Logger) *MemoryQueue {
	if poisonThreshold < 1 {
		poisonThreshold = 1
	}
	return &MemoryQueue{
		dedup:           make(map[string]time.Time),
		dedupTTL:        dedupTTL,
		maxDelay:        maxDelay,
		poisonThreshold: poisonThreshold,
		notify:          make(chan struct{}, 1),
		log:             log,
	}
}

// Enqueue publishes a message, suppressing duplicates by dedup id
func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte, opts EnqueueOptions) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, fmt.Errorf("queue is closed")
	}

	if opts.DedupID != "" {
		if until, ok := q.dedup[opts.DedupID]; ok && time.Now().Before(until) {
			q.log.Info("duplicate enqueue suppressed", "dedup_id", opts.DedupID)
			return false, nil
		}
		q.dedup[opts.DedupID] = time.Now().Add(q.dedupTTL)
	}

	q.nextID++
	msg := &Message{
		ID:         strconv.FormatInt(q.nextID, 10),
		Body:       append([]byte(nil), body...),
		GroupID:    opts.GroupID,
		Attributes: opts.Attributes,
	}

	delay := opts.Delay
	if delay > q.maxDelay {
		delay = q.maxDelay
	}
	if delay > 0 {
		q.delayed = append(q.delayed, &delayedEntry{msg: msg, readyAt: time.Now().Add(delay)})
	} else {
		q.ready = append(q.ready, msg)
	}
	q.wake()
	return true, nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// promote moves due delayed messages into the ready list. Caller holds
// the lock.
func (q *MemoryQueue) promote() {
	if len(q.delayed) == 0 {
		return
	}
	now := time.Now()
	var still []*delayedEntry
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			q.ready = append(q.ready, e.msg)
		} else {
			still = append(still, e)
		}
	}
	q.delayed = still
}

// Consume delivers messages to handler until ctx is done
func (q *MemoryQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		q.promote()
		var msg *Message
		if len(q.ready) > 0 {
			msg = q.ready[0]
			q.ready = q.ready[1:]
		}
		q.mu.Unlock()

		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notify:
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		msg.DeliveryCount++
		if err := handler(ctx, msg); err != nil {
			q.mu.Lock()
			if int(msg.DeliveryCount) >= q.poisonThreshold {
				q.dead = append(q.dead, msg)
				q.log.Warn("message dead-lettered", "message_id", msg.ID, "deliveries", msg.DeliveryCount)
			} else {
				q.ready = append(q.ready, msg)
			}
			q.mu.Unlock()
		}
	}
}

// DeadLetter moves a permanently rejected message to the dead-letter list
func (q *MemoryQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, msg)
	q.log.Warn("message dead-lettered by handler", "message_id", msg.ID, "reason", reason)
	return nil
}

// Stats reports ready, delayed, and dead-letter depths
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote()
	return Stats{
		Ready:        int64(len(q.ready)),
		Delayed:      int64(len(q.delayed)),
		DeadLettered: int64(len(q.dead)),
	}, nil
}

// DeadLettered returns a copy of the dead-letter list, oldest first
func (q *MemoryQueue) DeadLettered() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops all consumers
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
