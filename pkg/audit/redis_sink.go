package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list that receives shipped entries.
const DefaultRedisKey = "sentinel:audit"

// RedisSink ships entries to a Redis list for an external collector.
// When maxLen is positive the list is trimmed to the newest maxLen entries
// in the same transaction as the push.
type RedisSink struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

func NewRedisSink(client redis.Cmdable, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, -s.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis audit push: %w", err)
	}
	return nil
}
