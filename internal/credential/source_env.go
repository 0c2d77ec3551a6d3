package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "AUTH_JSON_"

// EnvSource loads credentials from AUTH_JSON_<N> environment variables.
// Values can be either:
// - Direct JSON string
// - Base64-encoded JSON (auto-detected)
type EnvSource struct {
	prefix string
}

// NewEnvSource creates a new environment variable credential source
func NewEnvSource() *EnvSource {
	return &EnvSource{prefix: envPrefix}
}

func (s *EnvSource) Name() string { return "env:" + s.prefix }

func (s *EnvSource) Mode() string { return "env" }

func (s *EnvSource) Discover(_ context.Context) ([]int, error) {
	var indices []int
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, s.prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, s.prefix))
		if err != nil || n <= 0 {
			continue
		}
		indices = append(indices, n)
	}
	return indices, nil
}

func (s *EnvSource) Read(_ context.Context, index int) ([]byte, error) {
	key := s.prefix + strconv.Itoa(index)
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%s is empty", key)
	}
	return decodeEnvValue(raw), nil
}

// decodeEnvValue returns raw unchanged unless it is base64 of valid JSON.
func decodeEnvValue(raw string) []byte {
	if json.Valid([]byte(raw)) {
		return []byte(raw)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err == nil && json.Valid(decoded) {
		return decoded
	}
	return []byte(raw)
}
