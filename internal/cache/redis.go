package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a go-redis client
type Redis struct {
	client redis.UniversalClient
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Open connects to addr and pings it
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key Key) (string, bool, error) {
	if key.IsZero() {
		return "", false, errZeroKey
	}
	val, err := r.client.Get(ctx, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key.Kind(), err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value string, ttl time.Duration) error {
	if key.IsZero() {
		return errZeroKey
	}
	if err := r.client.Set(ctx, key.String(), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key.Kind(), err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error) {
	if key.IsZero() {
		return false, errZeroKey
	}
	ok, err := r.client.SetNX(ctx, key.String(), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key.Kind(), err)
	}
	return ok, nil
}

func (r *Redis) SetXX(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error) {
	if key.IsZero() {
		return false, errZeroKey
	}
	ok, err := r.client.SetXX(ctx, key.String(), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setxx %s: %w", key.Kind(), err)
	}
	return ok, nil
}

// Incr runs INCR and EXPIRE in one MULTI/EXEC so a counter never outlives
// its window without a TTL.
func (r *Redis) Incr(ctx context.Context, key Key, ttl time.Duration) (int64, error) {
	if key.IsZero() {
		return 0, errZeroKey
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key.String())
		pipe.Expire(ctx, key.String(), ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key.Kind(), err)
	}
	return incr.Val(), nil
}

func (r *Redis) TTL(ctx context.Context, key Key) (time.Duration, error) {
	if key.IsZero() {
		return 0, errZeroKey
	}
	d, err := r.client.PTTL(ctx, key.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key.Kind(), err)
	}
	// -1 (no expiry) and -2 (missing) come back as negative durations
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *Redis) Delete(ctx context.Context, key Key) error {
	if key.IsZero() {
		return errZeroKey
	}
	if err := r.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key.Kind(), err)
	}
	return nil
}

// AddMember runs SADD and EXPIRE in one MULTI/EXEC, like Incr.
func (r *Redis) AddMember(ctx context.Context, key Key, member string, ttl time.Duration) error {
	if key.IsZero() {
		return errZeroKey
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key.String(), member)
		pipe.PExpire(ctx, key.String(), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sadd %s: %w", key.Kind(), err)
	}
	return nil
}

func (r *Redis) Members(ctx context.Context, key Key) ([]string, error) {
	if key.IsZero() {
		return nil, errZeroKey
	}
	members, err := r.client.SMembers(ctx, key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key.Kind(), err)
	}
	return members, nil
}

func (r *Redis) RemoveMembers(ctx context.Context, key Key, members ...string) error {
	if key.IsZero() {
		return errZeroKey
	}
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key.String(), args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key.Kind(), err)
	}
	return nil
}

var errZeroKey = errors.New("cache: zero key")
