package taskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend persists the whole task document as one blob.
// Load returns nil data and no error when nothing was stored yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

type fileBackend struct {
	path string
}

func NewFileBackend(path string) (*fileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("task document path is empty")
	}
	return &fileBackend{path: path}, nil
}

func (b *fileBackend) Load(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task document: %w", err)
	}
	return data, nil
}

func (b *fileBackend) Save(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tempPath := b.path + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, b.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

type redisBackend struct {
	rdb redis.Cmdable
	key string
}

func NewRedisBackend(rdb redis.Cmdable, key string) *redisBackend {
	return &redisBackend{rdb: rdb, key: key}
}

func (b *redisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.rdb.Get(ctx, b.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", b.key, err)
	}
	return data, nil
}

func (b *redisBackend) Save(ctx context.Context, data []byte) error {
	if err := b.rdb.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", b.key, err)
	}
	return nil
}

// memoryBackend never fails; it backs stores created without persistence.
type memoryBackend struct {
	data []byte
}

func (b *memoryBackend) Load(context.Context) ([]byte, error) {
	return b.data, nil
}

func (b *memoryBackend) Save(_ context.Context, data []byte) error {
	b.data = append(b.data[:0], data...)
	return nil
}
