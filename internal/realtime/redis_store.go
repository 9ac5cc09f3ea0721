package realtime

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"trellis/internal/reliability"
	"trellis/internal/saga"
)

// RedisStatusStore caches the latest saga status in a hash per instance and
// appends every transition to a stream.
type RedisStatusStore struct {
	client    RedisPipelineClient
	breaker   *reliability.CircuitBreaker
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStatusStore.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStatusStore constructs a Redis-backed status store. A nil breaker
// lets every write through.
func NewRedisStatusStore(client RedisPipelineClient, breaker *reliability.CircuitBreaker, stream string, ttl time.Duration, maxLen int64) *RedisStatusStore {
	if stream == "" {
		stream = "saga_updates"
	}
	return &RedisStatusStore{
		client:    client,
		breaker:   breaker,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Key returns the hash key holding the status of workflowID.
func (r *RedisStatusStore) Key(workflowID string) string {
	return r.keyPrefix + workflowID
}

// Publish writes the latest status and appends the transition to the stream.
func (r *RedisStatusStore) Publish(ctx context.Context, u saga.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.breaker.Execute(func() error {
		return r.write(ctx, u)
	})
}

func (r *RedisStatusStore) write(ctx context.Context, u saga.Update) error {
	key := r.Key(u.WorkflowID)
	values := map[string]any{
		"workflow_id": u.WorkflowID,
		"run_id":      u.RunID,
		"type":        u.Type,
		"status":      string(u.Status),
		"snapshot":    string(u.Snapshot),
		"result":      u.Result,
		"error":       u.Error,
		"at":          u.At.UTC().Format(time.RFC3339Nano),
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// ClientAdapter exposes a *redis.Client as a RedisPipelineClient.
type ClientAdapter struct {
	Client *redis.Client
}

func (a ClientAdapter) Pipeline() RedisPipeliner {
	return pipelineAdapter{pipe: a.Client.Pipeline()}
}

type pipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p pipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p pipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p pipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p pipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
