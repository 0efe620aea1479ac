package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one UI notification: a rendered frame or an attendance refresh.
// Messages are immutable once published; the UI drains them on its own turn,
// capture-side code never touches UI state directly.
type Message struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// Message types published by the capture loop.
const (
	TypeFrame      = "frame"
	TypeAttendance = "attendance"
)

// Queue is the abstraction over notification backends. Publish must never
// block the capture loop: backends drop the oldest pending message instead.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a bounded channel-backed queue with drop-oldest overflow.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a queue holding at most size pending messages.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 8
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message, evicting the oldest pending one when full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	for {
		select {
		case q.ch <- msg:
			return nil
		default:
		}
		select {
		case <-q.ch: // evict oldest
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Consume returns a channel the UI side drains.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements the queue on a capped Redis list, for deployments
// where the UI runs in a separate process.
type RedisQueue struct {
	client *redis.Client
	key    string
	cap    int64
}

// NewRedisQueue builds a queue using LPUSH/LTRIM/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string, capacity int) *RedisQueue {
	if key == "" {
		key = "faceattend:notify"
	}
	if capacity <= 0 {
		capacity = 8
	}
	return &RedisQueue{client: client, key: key, cap: int64(capacity)}
}

// Publish enqueues a message and trims the list to its capacity.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, payload)
	pipe.LTrim(ctx, q.key, 0, q.cap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var msg Message
				if err := json.Unmarshal([]byte(res[1]), &msg); err == nil {
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
