package credential

import (
	"context"
	"fmt"
	"os"

	"aistudio2api-go/internal/config"

	"github.com/redis/go-redis/v9"
)

// Source enumerates and reads permanent credentials. Indices are positive and
// a source never writes back.
type Source interface {
	Name() string
	// Mode is reported to the dashboard as the account source ("file", "env", "redis").
	Mode() string
	Discover(ctx context.Context) ([]int, error)
	Read(ctx context.Context, index int) ([]byte, error)
}

// SelectSource picks the permanent source. AUTH_JSON_1 in the environment
// forces env mode regardless of configuration.
func SelectSource(cfg *config.Config, rdb redis.UniversalClient) (Source, error) {
	if _, ok := os.LookupEnv(envPrefix + "1"); ok {
		return NewEnvSource(), nil
	}
	switch cfg.Credentials.Source {
	case config.CredentialSourceEnv:
		return NewEnvSource(), nil
	case config.CredentialSourceRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis credential source requires a redis client")
		}
		return NewRedisSource(rdb, cfg.Redis.Prefix), nil
	case config.CredentialSourceFile, "":
		return NewFileSource(cfg.Credentials.AuthDir), nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.Credentials.Source)
	}
}
