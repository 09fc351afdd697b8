package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps document content in Redis, one hash per document plus a
// set indexing known paths. It owns the client and closes it on Close.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides the key prefix. The default is "cloudmind:doc:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "cloudmind:doc:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis connects to addr and verifies the server is reachable.
func OpenRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(path string) string { return s.prefix + path }

func (s *RedisStore) indexKey() string { return s.prefix + "_index" }

func (s *RedisStore) Load(ctx context.Context, path string) (*DocumentInfo, error) {
	fields, err := s.client.HGetAll(ctx, s.key(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fieldsToDocInfo(path, fields), nil
}

func fieldsToDocInfo(path string, fields map[string]string) *DocumentInfo {
	info := &DocumentInfo{
		Path:      path,
		Content:   fields["content"],
		UpdatedBy: fields["updated_by"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		info.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		info.UpdatedAt = t
	}
	return info
}

func (s *RedisStore) Persist(ctx context.Context, path, content, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := s.key(path)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSet(ctx, key, map[string]any{
		"content":    content,
		"updated_by": userID,
		"updated_at": now,
	})
	pipe.SAdd(ctx, s.indexKey(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist %q: %w", path, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]DocumentInfo, error) {
	paths, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(paths)

	out := make([]DocumentInfo, 0, len(paths))
	for _, path := range paths {
		info, err := s.Load(ctx, path)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the hash; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
