package port_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/port"
)

func newMemory(t *testing.T, base, max int) port.Allocator {
	t.Helper()
	a, err := port.NewMemoryAllocator(port.MemoryAllocatorConfig{Base: base, Max: max, Logger: log.Noop})
	require.NoError(t, err)
	return a
}

// allocators returns the allocators under test. Redis runs on an in-process server unless
// ROLLR_TEST_REDIS_ADDR points to a real one.
func allocators(t *testing.T, base, max int) map[string]port.Allocator {
	t.Helper()

	addr := os.Getenv("ROLLR_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = cli.Close() })
	prefix := fmt.Sprintf("rollr-test:%s", t.Name())
	t.Cleanup(func() {
		_ = cli.Del(context.Background(), prefix+":owners", prefix+":by-owner", prefix+":next").Err()
	})
	ra, err := port.NewRedisAllocator(port.RedisAllocatorConfig{Client: cli, KeyPrefix: prefix, Base: base, Max: max})
	require.NoError(t, err)

	return map[string]port.Allocator{
		"memory": newMemory(t, base, max),
		"redis":  ra,
	}
}

func TestAllocator(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, a port.Allocator)
	}{
		"Ports should be allocated ascending from the base.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				for i, owner := range []string{"a", "b", "c"} {
					p, err := a.Allocate(ctx, owner)
					require.NoError(t, err)
					assert.Equal(t, 8100+i, p)
				}
			},
		},

		"An owner allocating twice should get the same port.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				p1, err := a.Allocate(ctx, "a")
				require.NoError(t, err)
				p2, err := a.Allocate(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, p1, p2)
			},
		},

		"A released port should be reused only after the range wraps.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				p1, _ := a.Allocate(ctx, "a")
				_, _ = a.Allocate(ctx, "b")
				require.NoError(t, a.Release(ctx, p1))

				p3, err := a.Allocate(ctx, "c")
				require.NoError(t, err)
				assert.Equal(t, 8102, p3)

				// Range is [8100, 8105), next ones are 8103, 8104 and then wraps to the released 8100.
				_, _ = a.Allocate(ctx, "d")
				_, _ = a.Allocate(ctx, "e")
				p6, err := a.Allocate(ctx, "f")
				require.NoError(t, err)
				assert.Equal(t, 8100, p6)
			},
		},

		"Exhausting the range should fail.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				for i := 0; i < 5; i++ {
					_, err := a.Allocate(ctx, fmt.Sprintf("o-%d", i))
					require.NoError(t, err)
				}
				_, err := a.Allocate(ctx, "extra")
				assert.ErrorIs(t, err, port.ErrExhausted)

				require.NoError(t, a.ReleaseOwner(ctx, "o-3"))
				p, err := a.Allocate(ctx, "extra")
				require.NoError(t, err)
				assert.Equal(t, 8103, p)
			},
		},

		"Releasing twice should not release a reused port.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				p, _ := a.Allocate(ctx, "a")
				require.NoError(t, a.ReleaseOwner(ctx, "a"))
				require.NoError(t, a.ReleaseOwner(ctx, "a"))

				// Force reuse of the port by another owner.
				for i := 0; i < 5; i++ {
					_, err := a.Allocate(ctx, fmt.Sprintf("o-%d", i))
					require.NoError(t, err)
				}
				require.NoError(t, a.ReleaseOwner(ctx, "a"))

				_, err := a.Allocate(ctx, "extra")
				assert.ErrorIs(t, err, port.ErrExhausted, "port %d must still be owned", p)
			},
		},

		"Releasing a free port should be a no-op.": {
			actions: func(ctx context.Context, t *testing.T, a port.Allocator) {
				assert.NoError(t, a.Release(ctx, 8104))
				assert.NoError(t, a.ReleaseOwner(ctx, "nobody"))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			for kind, a := range allocators(t, 8100, 8105) {
				t.Run(kind, func(t *testing.T) {
					test.actions(context.Background(), t, a)
				})
			}
		})
	}
}

func TestMemoryAllocatorConcurrency(t *testing.T) {
	a := newMemory(t, 8100, 8200)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[int]string{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("o-%d", i)
			p, err := a.Allocate(ctx, owner)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := seen[p]; ok {
				t.Errorf("port %d allocated to %s and %s", p, prev, owner)
			}
			seen[p] = owner
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, 100)
}

func TestMemoryAllocatorConfig(t *testing.T) {
	tests := map[string]struct {
		cfg    port.MemoryAllocatorConfig
		expErr bool
	}{
		"Defaults should be valid.":        {cfg: port.MemoryAllocatorConfig{}},
		"An empty range should fail.":      {cfg: port.MemoryAllocatorConfig{Base: 9000, Max: 9000}, expErr: true},
		"A range above 65535 should fail.": {cfg: port.MemoryAllocatorConfig{Base: 9000, Max: 70000}, expErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := port.NewMemoryAllocator(test.cfg)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
