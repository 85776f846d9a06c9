package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	cursorKey = "gate:cursor:%s"
)

type RedisStore struct {
	rdb *redis.Client
	l   *slog.Logger
}

func NewRedisStore(rdb *redis.Client, l *slog.Logger) *RedisStore {
	if l == nil {
		l = slog.Default()
	}
	return &RedisStore{
		rdb: rdb,
		l:   l,
	}
}

// NewRedisStoreFromURL parses a redis:// url, e.g. redis://localhost:6379/0.
func NewRedisStoreFromURL(rawURL string, l *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), l), nil
}

func (r *RedisStore) Set(source string, cursor int64) {
	key := fmt.Sprintf(cursorKey, source)
	if err := r.rdb.Set(context.Background(), key, cursor, 0).Err(); err != nil {
		r.l.Error("failed to store cursor", "source", source, "err", err)
	}
}

func (r *RedisStore) Get(source string) (cursor int64) {
	key := fmt.Sprintf(cursorKey, source)
	val, err := r.rdb.Get(context.Background(), key).Result()
	if err != nil {
		if err != redis.Nil {
			r.l.Error("failed to load cursor", "source", source, "err", err)
		}
		return 0
	}
	cursor, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.l.Error("stored cursor is not an integer", "source", source, "value", val)
		return 0
	}

	return cursor
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
