package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"docsync/internal/crdt"
)

// RedisStore keeps each document's log in a Redis list and the set of known
// documents in a Redis set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "docsync"
	}
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

func (r *RedisStore) documentsKey() string {
	return r.prefix + ":documents"
}

func (r *RedisStore) updatesKey(id string) string {
	return fmt.Sprintf("%s:doc:%s:updates", r.prefix, id)
}

func (r *RedisStore) ListDocuments(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.documentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) CreateDocument(ctx context.Context, id string) error {
	added, err := r.client.SAdd(ctx, r.documentsKey(), id).Result()
	if err != nil {
		return fmt.Errorf("create %q: %w", id, err)
	}
	if added == 0 {
		return fmt.Errorf("create %q: %w", id, ErrDocumentExists)
	}
	return nil
}

func (r *RedisStore) exists(ctx context.Context, id string) error {
	ok, err := r.client.SIsMember(ctx, r.documentsKey(), id).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *RedisStore) LoadDocument(ctx context.Context, id string) ([]byte, error) {
	if err := r.exists(ctx, id); err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	log, err := r.client.LRange(ctx, r.updatesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	return crdt.MergeUpdates(toBytes(log)...)
}

func (r *RedisStore) AppendUpdate(ctx context.Context, id string, update []byte) error {
	if err := r.exists(ctx, id); err != nil {
		return fmt.Errorf("append %q: %w", id, err)
	}
	if err := r.client.RPush(ctx, r.updatesKey(id), update).Err(); err != nil {
		return fmt.Errorf("append %q: %w", id, err)
	}
	return nil
}

// Compact merges the entries present when it starts. Entries appended
// meanwhile land after them in the list and survive the trim.
func (r *RedisStore) Compact(ctx context.Context, id string) error {
	if err := r.exists(ctx, id); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	key := r.updatesKey(id)
	log, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if len(log) <= 1 {
		return nil
	}
	merged, err := crdt.MergeUpdates(toBytes(log)...)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, key, int64(len(log)), -1)
		pipe.LPush(ctx, key, merged)
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toBytes(log []string) [][]byte {
	out := make([][]byte, len(log))
	for i, s := range log {
		out[i] = []byte(s)
	}
	return out
}
