package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"tangled.sh/tangled.sh/loom/log"
)

const (
	cursorKey    = "loom:cursor:%s"
	redisTimeout = 5 * time.Second
)

type RedisStore struct {
	rdb *redis.Client
	l   *slog.Logger
}

// NewRedisStore connects to the redis server at url, e.g.
// redis://localhost:6379/0.
func NewRedisStore(url string, l *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), l), nil
}

func NewRedisStoreFromClient(rdb *redis.Client, l *slog.Logger) *RedisStore {
	if l == nil {
		l = log.New("cursor")
	}
	return &RedisStore{rdb: rdb, l: l}
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func (r *RedisStore) Set(source string, cursor int64) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := fmt.Sprintf(cursorKey, source)
	if err := r.rdb.Set(ctx, key, cursor, 0).Err(); err != nil {
		r.l.Error("failed to save cursor", "source", source, "err", err)
	}
}

func (r *RedisStore) Get(source string) (cursor int64) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := fmt.Sprintf(cursorKey, source)
	val, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.l.Error("failed to read cursor", "source", source, "err", err)
		}
		return 0
	}

	cursor, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.l.Error("malformed cursor", "source", source, "value", val, "err", err)
		return 0
	}
	return cursor
}
