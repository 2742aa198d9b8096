package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values that expire with the record.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

func NewRedisStore(client *goredis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "staychain:tx:",
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get returns nil, nil if the key does not exist.
func (r *RedisStore) Get(ctx context.Context, hash string) (*Record, error) {
	val, err := r.client.Get(ctx, r.prefix+Key(hash)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis txstore get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("redis txstore decode: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Save(ctx context.Context, hash string, record Record) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		ttl = time.Until(record.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := r.client.Set(ctx, r.prefix+Key(hash), blob, ttl).Err(); err != nil {
		return fmt.Errorf("redis txstore set: %w", err)
	}
	return nil
}
