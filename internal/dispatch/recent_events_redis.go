package dispatch

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisRecentEventsStore keeps the recent-events window in a Redis list so it
// survives process restarts and can be inspected out of process.
type RedisRecentEventsStore struct {
	client   redis.UniversalClient
	key      string
	capacity int
}

func NewRedisRecentEventsStore(client redis.UniversalClient, key string, capacity int) *RedisRecentEventsStore {
	if key == "" {
		key = "session_gateway:recent_events"
	}
	if capacity < 1 {
		capacity = 1
	}
	return &RedisRecentEventsStore{client: client, key: key, capacity: capacity}
}

func (s *RedisRecentEventsStore) Add(ctx context.Context, env Envelope) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, int64(s.capacity-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRecentEventsStore) List(ctx context.Context) ([]Envelope, error) {
	if s.client == nil {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.key, 0, int64(s.capacity-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
