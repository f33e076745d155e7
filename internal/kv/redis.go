package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/miaquant/safety-kernel/internal/observ"
)

// Redis adapts go-redis to the Client interface, recording per-operation
// latency histograms and mapping redis.Nil to ErrNotFound.
type Redis struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// RedisOptions configures the Redis-backed client.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration // per-operation bound, default 5s
}

// NewRedis builds a Redis-backed client. It does not ping; callers that need
// liveness confirmation use Ping with their own timeout.
func NewRedis(opts RedisOptions) *Redis {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		opTimeout: opts.OpTimeout,
	}
}

func (r *Redis) observe(op string, start time.Time, err error) {
	observ.RecordDuration("mia_kv_op_duration", time.Since(start), map[string]string{"op": op})
	result := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		result = "error"
	}
	observ.IncCounter("mia_kv_ops_total", map[string]string{"op": op, "result": result})
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	err := r.rdb.Ping(ctx).Err()
	r.observe("ping", start, err)
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	s, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		err = ErrNotFound
	}
	r.observe("get", start, err)
	return s, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	err := r.rdb.Set(ctx, key, value, 0).Err()
	r.observe("set", start, err)
	return err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	err := r.rdb.Del(ctx, keys...).Err()
	r.observe("del", start, err)
	return err
}

func (r *Redis) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	v, err := r.rdb.IncrByFloat(ctx, key, delta).Result()
	r.observe("incrbyfloat", start, err)
	return v, err
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	v, err := r.rdb.IncrBy(ctx, key, delta).Result()
	r.observe("incrby", start, err)
	return v, err
}

func (r *Redis) LPush(ctx context.Context, key, value string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	err := r.rdb.LPush(ctx, key, value).Err()
	r.observe("lpush", start, err)
	return err
}

func (r *Redis) LTrim(ctx context.Context, key string, start_, stop int64) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	err := r.rdb.LTrim(ctx, key, start_, stop).Err()
	r.observe("ltrim", start, err)
	return err
}

func (r *Redis) LRange(ctx context.Context, key string, start_, stop int64) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	start := time.Now()
	vals, err := r.rdb.LRange(ctx, key, start_, stop).Result()
	r.observe("lrange", start, err)
	return vals, err
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
