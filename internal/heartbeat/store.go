package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Rajchodisetti/session-trader/internal/fsutil"
)

// FileStore keeps the heartbeat as an RFC3339 timestamp in a small file, the
// format container health checks read.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Load(ctx context.Context) (time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %s: %w", s.path, err)
	}
	return t, nil
}

func (s *FileStore) Save(ctx context.Context, t time.Time) error {
	return fsutil.WriteFileAtomic(s.path, []byte(t.UTC().Format(time.RFC3339Nano)+"\n"), 0644)
}

// RedisStore keeps the heartbeat under <prefix>heartbeat.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, key: prefix + "heartbeat"}
}

func (s *RedisStore) Load(ctx context.Context) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis get heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Save(ctx context.Context, t time.Time) error {
	if err := s.client.Set(ctx, s.key, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("redis set heartbeat: %w", err)
	}
	return nil
}
