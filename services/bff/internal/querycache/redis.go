package querycache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "koma:qc:"

// RedisStore shares cache buckets across BFF replicas.
type RedisStore struct {
	Client *redis.Client
}

type redisEnvelope struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	InsertedAt time.Time       `json:"inserted_at"`
}

func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{Client: redis.NewClient(opt)}, nil
}

func redisKey(bucket, key string) string {
	sum := sha1.Sum([]byte(key))
	return redisPrefix + bucket + ":" + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Get(ctx context.Context, bucket, key string) (Entry, bool, error) {
	val, err := s.Client.Get(ctx, redisKey(bucket, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var env redisEnvelope
	if err := json.Unmarshal(val, &env); err != nil {
		return Entry{}, false, err
	}
	// sha1 collisions are not worth trusting
	if env.Key != key {
		return Entry{}, false, nil
	}
	return Entry{Data: env.Data, InsertedAt: env.InsertedAt}, true, nil
}

// Set stores e and lets Redis expire it after ttl.
func (s *RedisStore) Set(ctx context.Context, bucket, key string, e Entry, ttl time.Duration) error {
	b, err := json.Marshal(redisEnvelope{Key: key, Data: e.Data, InsertedAt: e.InsertedAt})
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, redisKey(bucket, key), b, ttl).Err()
}

func (s *RedisStore) Invalidate(ctx context.Context, bucket string, match Predicate) (int, error) {
	var (
		n    int
		iter = s.Client.Scan(ctx, 0, redisPrefix+bucket+":*", 200).Iterator()
	)
	for iter.Next(ctx) {
		rk := iter.Val()
		if match != nil {
			val, err := s.Client.Get(ctx, rk).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return n, err
			}
			var env redisEnvelope
			if err := json.Unmarshal(val, &env); err != nil {
				return n, fmt.Errorf("decode %s: %w", rk, err)
			}
			if !match(env.Key, Entry{Data: env.Data, InsertedAt: env.InsertedAt}) {
				continue
			}
		}
		removed, err := s.Client.Del(ctx, rk).Result()
		if err != nil {
			return n, err
		}
		n += int(removed)
	}
	return n, iter.Err()
}

func (s *RedisStore) Clear(ctx context.Context, buckets ...string) error {
	for _, b := range buckets {
		if _, err := s.Invalidate(ctx, b, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
