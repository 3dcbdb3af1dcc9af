// SPDX-License-Identifier: MPL-2.0

package account

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// RedisKV persists through a redis instance so accounts survive restarts.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV accepts either a redis URL or a plain host:port address.
func NewRedisKV(addr string) *RedisKV {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	return &RedisKV{rdb: redis.NewClient(opt)}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key string, val []byte) error {
	return r.rdb.Set(ctx, key, val, 0).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}
