package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/services"
)

// releaseScript deletes the marker only while it still holds the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// InFlight is a services.InFlightGuard shared by every server process that
// talks to the same Redis.
type InFlight struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

var _ services.InFlightGuard = (*InFlight)(nil)

func NewInFlight(log *logger.Logger, addr, prefix string) (*InFlight, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &InFlight{
		log:    log.With("service", "RedisInFlight"),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (g *InFlight) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if g == nil || g.rdb == nil {
		return false, fmt.Errorf("redis in-flight guard not initialized")
	}
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, token, ttl).Result()
	if err != nil {
		return false, services.NewTransientError("inflight acquire", err)
	}
	return ok, nil
}

func (g *InFlight) Release(ctx context.Context, key, token string) error {
	if g == nil || g.rdb == nil {
		return fmt.Errorf("redis in-flight guard not initialized")
	}
	if err := releaseScript.Run(ctx, g.rdb, []string{g.prefix + key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		g.log.Warn("inflight release failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (g *InFlight) Close() error {
	if g == nil || g.rdb == nil {
		return nil
	}
	return g.rdb.Close()
}
