package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reliable-jobs/internal/config"
	"reliable-jobs/internal/models"
)

// RedisQueue keeps the main FIFO and the DLQ as Redis lists. RPUSH/LPOP are
// atomic at the broker, so several worker processes may share one queue.
type RedisQueue struct {
	client   *redis.Client
	queueKey string
	dlqKey   string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue under the given key prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisQueue{
		client:   client,
		queueKey: fmt.Sprintf("%s:queue", prefix),
		dlqKey:   fmt.Sprintf("%s:dlq", prefix),
	}
}

// Name implements Backend.
func (q *RedisQueue) Name() string { return "redis" }

// Enqueue pushes the job to the right end of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.RPush(ctx, q.queueKey, raw).Err()
}

// Dequeue pops from the left end of the list.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	raw, err := q.client.LPop(ctx, q.queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// Peek reads the left end of the list without popping it.
func (q *RedisQueue) Peek(ctx context.Context) (*models.Job, error) {
	raw, err := q.client.LIndex(ctx, q.queueKey, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// Size returns LLEN of the main list.
func (q *RedisQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	return int(n), err
}

// MoveToDLQ pushes to the head of the DLQ list so LRANGE reads newest first.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, entry models.DLQEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	return q.client.LPush(ctx, q.dlqKey, raw).Err()
}

// ListDLQ reads the latest dead-lettered jobs.
func (q *RedisQueue) ListDLQ(ctx context.Context, limit int) ([]models.DLQEntry, error) {
	if limit <= 0 {
		return []models.DLQEntry{}, nil
	}
	items, err := q.client.LRange(ctx, q.dlqKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DLQEntry, 0, len(items))
	for _, item := range items {
		var entry models.DLQEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// DLQSize returns LLEN of the DLQ list.
func (q *RedisQueue) DLQSize(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.dlqKey).Result()
	return int(n), err
}
