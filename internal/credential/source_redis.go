package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads credentials stored under <prefix>auth:<N>.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "aistudio2api:"
	}
	return &RedisSource{client: client, prefix: prefix}
}

func (s *RedisSource) Name() string { return "redis:" + s.prefix }

func (s *RedisSource) Mode() string { return "redis" }

func (s *RedisSource) keyPrefix() string { return s.prefix + "auth:" }

func (s *RedisSource) Discover(ctx context.Context) ([]int, error) {
	var (
		indices []int
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix()+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan credential keys: %w", err)
		}
		for _, key := range keys {
			n, err := strconv.Atoi(strings.TrimPrefix(key, s.keyPrefix()))
			if err != nil || n <= 0 {
				continue
			}
			indices = append(indices, n)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return indices, nil
}

func (s *RedisSource) Read(ctx context.Context, index int) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix()+strconv.Itoa(index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: redis key for index %d", ErrCredentialNotFound, index)
		}
		return nil, err
	}
	return data, nil
}
