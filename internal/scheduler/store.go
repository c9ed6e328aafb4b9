package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/Rajchodisetti/session-trader/internal/fsutil"
)

// StateStore persists scheduler state. Load reports ok=false when nothing
// was saved yet.
type StateStore interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, st State) error
}

// FileStateStore writes the state as indented JSON with temp file + rename.
type FileStateStore struct {
	path string
}

func NewFileStateStore(path string) *FileStateStore { return &FileStateStore{path: path} }

func (f *FileStateStore) Load(ctx context.Context) (State, bool, error) {
	var st State
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, false, nil
		}
		return st, false, fmt.Errorf("failed to read session state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return st, true, nil
}

func (f *FileStateStore) Save(ctx context.Context, st State) error {
	return fsutil.WriteJSONAtomic(f.path, st)
}

// RedisStateStore keeps the state as one JSON value under <prefix>session_state.
type RedisStateStore struct {
	client *redis.Client
	key    string
}

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, key: prefix + "session_state"}
}

func (r *RedisStateStore) Load(ctx context.Context) (State, bool, error) {
	var st State
	val, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return st, false, nil
		}
		return st, false, fmt.Errorf("redis get session state: %w", err)
	}
	if err := json.Unmarshal(val, &st); err != nil {
		return st, false, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return st, true, nil
}

func (r *RedisStateStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set session state: %w", err)
	}
	return nil
}
