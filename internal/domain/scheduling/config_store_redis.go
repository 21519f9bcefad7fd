package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultConfigKey = "clinic:schedule_config"

// RedisConfigStore keeps the config as one JSON document in Redis.
type RedisConfigStore struct {
	client *redis.Client
	key    string
}

func NewRedisConfigStore(client *redis.Client) *RedisConfigStore {
	return &RedisConfigStore{client: client, key: defaultConfigKey}
}

// Get materializes the defaults with SETNX so that racing first readers all
// end up with whichever document won.
func (s *RedisConfigStore) Get(ctx context.Context) (*ScheduleConfig, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		def := DefaultScheduleConfig()
		def.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("marshal default config: %w", err)
		}
		created, err := s.client.SetNX(ctx, s.key, payload, 0).Result()
		if err != nil {
			return nil, wrapError(ErrUnavailable, err)
		}
		if created {
			return def, nil
		}
		data, err = s.client.Get(ctx, s.key).Bytes()
		if err != nil {
			return nil, wrapError(ErrUnavailable, err)
		}
	} else if err != nil {
		return nil, wrapError(ErrUnavailable, err)
	}

	var cfg ScheduleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode schedule config: %w", err)
	}
	return &cfg, nil
}

func (s *RedisConfigStore) Save(ctx context.Context, cfg *ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	next := cfg.Clone()
	next.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return wrapError(ErrUnavailable, err)
	}
	return nil
}

// Ping lets the health endpoint check Redis.
func (s *RedisConfigStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
