package port

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/slok/rollr/internal/log"
)

// KEYS: owners hash (port -> owner), ports hash (owner -> port), next pointer.
// ARGV: owner, base, max.
var allocateScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
	return tonumber(existing)
end

local base = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local size = max - base
local next = tonumber(redis.call('GET', KEYS[3]) or base)
if next < base or next >= max then
	next = base
end

for i = 0, size - 1 do
	local p = base + ((next - base + i) % size)
	if redis.call('HSETNX', KEYS[1], p, ARGV[1]) == 1 then
		redis.call('HSET', KEYS[2], ARGV[1], p)
		redis.call('SET', KEYS[3], p + 1)
		return p
	end
end

return -1
`)

// KEYS: owners hash, ports hash. ARGV: port.
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if not owner then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], owner) == ARGV[1] then
	redis.call('HDEL', KEYS[2], owner)
end
return 1
`)

// KEYS: owners hash, ports hash. ARGV: owner.
var releaseOwnerScript = redis.NewScript(`
local p = redis.call('HGET', KEYS[2], ARGV[1])
if not p then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], p) == ARGV[1] then
	redis.call('HDEL', KEYS[1], p)
end
return 1
`)

// RedisAllocatorConfig is the configuration of the Redis backed allocator.
type RedisAllocatorConfig struct {
	Client redis.Scripter
	// KeyPrefix namespaces the allocator keys, processes sharing it share the port range.
	KeyPrefix string
	Base      int
	Max       int
	Logger    log.Logger
}

func (c *RedisAllocatorConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rollr:ports"
	}
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.Base < 1 || c.Max > 65536 || c.Base >= c.Max {
		return fmt.Errorf("invalid port range [%d, %d)", c.Base, c.Max)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "port.RedisAllocator"})
	return nil
}

// RedisAllocator shares the port registry between processes on the same host.
// Every operation is a single Lua script so it is atomic on the server.
type RedisAllocator struct {
	cli       redis.Scripter
	ownersKey string
	portsKey  string
	nextKey   string
	base      int
	max       int
	logger    log.Logger
}

// NewRedisAllocator returns a new Redis backed allocator.
func NewRedisAllocator(cfg RedisAllocatorConfig) (*RedisAllocator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &RedisAllocator{
		cli:       cfg.Client,
		ownersKey: cfg.KeyPrefix + ":owners",
		portsKey:  cfg.KeyPrefix + ":by-owner",
		nextKey:   cfg.KeyPrefix + ":next",
		base:      cfg.Base,
		max:       cfg.Max,
		logger:    cfg.Logger,
	}, nil
}

// Allocate returns a free port for owner.
func (a *RedisAllocator) Allocate(ctx context.Context, owner string) (int, error) {
	p, err := allocateScript.Run(ctx, a.cli, []string{a.ownersKey, a.portsKey, a.nextKey}, owner, a.base, a.max).Int()
	if err != nil {
		return 0, fmt.Errorf("could not allocate port: %w", err)
	}
	if p < 0 {
		return 0, ErrExhausted
	}

	a.logger.Debugf("Allocated port %d to %s", p, owner)
	return p, nil
}

// Release frees a port.
func (a *RedisAllocator) Release(ctx context.Context, port int) error {
	if err := releaseScript.Run(ctx, a.cli, []string{a.ownersKey, a.portsKey}, port).Err(); err != nil {
		return fmt.Errorf("could not release port %d: %w", port, err)
	}
	return nil
}

// ReleaseOwner frees the port of owner.
func (a *RedisAllocator) ReleaseOwner(ctx context.Context, owner string) error {
	if err := releaseOwnerScript.Run(ctx, a.cli, []string{a.ownersKey, a.portsKey}, owner).Err(); err != nil {
		return fmt.Errorf("could not release port of %s: %w", owner, err)
	}
	return nil
}
