// Package queue hands batch IDs from the API to the workers over a Redis
// list: LPUSH on submit, BRPOP on the worker, so batches run in submission
// order.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sceneforge/internal/pkg/errors"
)

// Client is the subset of *redis.Client the queue uses.
type Client interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

var _ Client = (*redis.Client)(nil)

type RedisQueue struct {
	rdb       Client
	queueName string
}

func NewRedisQueue(rdb Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Name returns the Redis key of the list.
func (q *RedisQueue) Name() string { return q.queueName }

// Push encola un batch.
func (q *RedisQueue) Push(ctx context.Context, batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return errors.Validation("batch id is required")
	}
	if err := q.rdb.LPush(ctx, q.queueName, batchID).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.Push", "queue push failed").
			WithField("queue", q.queueName)
	}
	return nil
}

// Pop bloquea hasta que exista un elemento (BRPOP) o hasta que ctx termine.
// Returns "" and no error when the wait elapses with nothing queued.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, 0, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len returns how many batches are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
