package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps due times in a sorted set scored by unix milliseconds and
// task payloads in a hash keyed by task id.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue connects to redisURL and pings it before returning.
func NewRedisQueue(ctx context.Context, redisURL, prefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisQueueWithClient(client, prefix), nil
}

// NewRedisQueueWithClient wraps an existing client. An empty prefix gets the default.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "exhibits:deferred:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) dueKey() string {
	return q.prefix + "due"
}

func (q *RedisQueue) taskKey() string {
	return q.prefix + "tasks"
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskKey(), task.ID, payload)
		pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(task.DueAt.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// claimScript pops up to ARGV[2] members due at or before ARGV[1] and returns
// their payloads in one step, so an Enqueue for the same id cannot slip in
// between reading the due set and dropping the payload.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	local payload = redis.call('HGET', KEYS[2], id)
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[2], id)
	if payload then
		table.insert(out, payload)
	end
end
return out
`)

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	payloads, err := claimScript.Run(ctx, q.client,
		[]string{q.dueKey(), q.taskKey()},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return []Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}

	tasks := make([]Task, 0, len(payloads))
	for _, payload := range payloads {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return tasks, fmt.Errorf("unmarshal claimed task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, q.dueKey(), id)
		pipe.HDel(ctx, q.taskKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return removed.Val() > 0, nil
}

func (q *RedisQueue) Pending(ctx context.Context) ([]Task, error) {
	ids, err := q.client.ZRange(ctx, q.dueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	if len(ids) == 0 {
		return []Task{}, nil
	}
	payloads, err := q.client.HMGet(ctx, q.taskKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending tasks: %w", err)
	}

	tasks := make([]Task, 0, len(payloads))
	for i, raw := range payloads {
		payload, ok := raw.(string)
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
