package idempotency

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/opsdash/internal/config"
)

// Open builds the store named by cfg. The returned close function releases
// any connection the store holds.
func Open(cfg config.IdempotencyStoreConfig) (Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: redis address variable %q is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return NewRedisStore(client), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("idempotency: unsupported driver %q", cfg.Driver)
	}
}
