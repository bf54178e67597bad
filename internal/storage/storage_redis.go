package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "chorus"
}

// Redis stores each document as a string value under "{prefix}:{key}".
// SET is atomic, so readers never observe a partial document.
type Redis struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewRedis connects lazily; the first command surfaces connection errors.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Prefix == "" {
		opts.Prefix = "chorus"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: client, prefix: opts.Prefix}, nil
}

func (r *Redis) fullKey(key string) string {
	return r.prefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}
	val, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Put(ctx context.Context, key string, doc []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Set(ctx, r.fullKey(key), doc, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Del(ctx, r.fullKey(key)).Err()
}

// Keys walks the keyspace with SCAN rather than KEYS to avoid blocking the server.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var keys []string
	head := r.prefix + ":"
	iter := r.client.Scan(ctx, 0, head+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), head))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
