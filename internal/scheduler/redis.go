package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
)

// RedisBackend orders entries in a sorted set so multiple processes can share
// one queue. The score packs priority (inverted, high priority pops first)
// above a per-queue submission counter, giving the same stable ordering as
// the in-memory heap. ZPOPMIN and ZREM are atomic server-side, which gives
// the cancel-vs-dispatch atomicity for free.
type RedisBackend struct {
	client       *redis.Client
	key          string
	seqKey       string
	pollInterval time.Duration
	closing      chan struct{}
}

// seqBits leaves room for 2^40 submissions before priorities could collide;
// both factors stay well inside float64's 53-bit integer range.
const seqBits = 40

func NewRedisBackend(redisURL, key string, pollInterval time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	return &RedisBackend{
		client:       client,
		key:          key,
		seqKey:       key + ":seq",
		pollInterval: pollInterval,
		closing:      make(chan struct{}),
	}, nil
}

func (r *RedisBackend) Push(ctx context.Context, e Entry) error {
	seq, err := r.client.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}

	score := float64(uint64(job.MaxPriority-e.Priority)<<seqBits) + float64(seq)
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: score, Member: e.ID.String()}).Err()
}

func (r *RedisBackend) Pop(ctx context.Context) (uuid.UUID, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closing:
			return uuid.Nil, common.ErrQueueStopped
		default:
		}

		members, err := r.client.ZPopMin(ctx, r.key, 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return uuid.Nil, err
		}
		if len(members) > 0 {
			id, err := uuid.Parse(members[0].Member.(string))
			if err != nil {
				return uuid.Nil, fmt.Errorf("malformed queue member: %w", err)
			}
			return id, nil
		}

		select {
		case <-ticker.C:
		case <-r.closing:
			return uuid.Nil, common.ErrQueueStopped
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		}
	}
}

func (r *RedisBackend) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	removed, err := r.client.ZRem(ctx, r.key, id.String()).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	return int(n), err
}

func (r *RedisBackend) Close() error {
	select {
	case <-r.closing:
	default:
		close(r.closing)
	}
	return r.client.Close()
}
