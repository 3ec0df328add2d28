package port

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slok/rollr/internal/log"
)

// ErrExhausted is returned when every port of the range is allocated.
var ErrExhausted = errors.New("port range exhausted")

// Allocator hands out host ports for sandbox applications.
type Allocator interface {
	// Allocate returns a free port owned by owner, an owner that already
	// has a port gets the same one back.
	Allocate(ctx context.Context, owner string) (int, error)
	// Release returns the port to the free set, releasing a free port is a no-op.
	Release(ctx context.Context, port int) error
	// ReleaseOwner releases the port of owner, if any.
	ReleaseOwner(ctx context.Context, owner string) error
}

const (
	// DefaultBase is the first port handed out.
	DefaultBase = 8100
	// DefaultMax is the end (exclusive) of the port range.
	DefaultMax = 9100
)

// MemoryAllocatorConfig is the configuration of the in-memory allocator.
type MemoryAllocatorConfig struct {
	Base   int
	Max    int
	Logger log.Logger
}

func (c *MemoryAllocatorConfig) defaults() error {
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "port.MemoryAllocator"})
	return nil
}

// MemoryAllocator is a process wide allocator. Ports are handed out ascending from
// the base, wrapping at the end of the range and skipping the allocated ones.
type MemoryAllocator struct {
	base   int
	max    int
	next   int
	owners map[int]string
	ports  map[string]int
	mu     sync.Mutex
	logger log.Logger
}

// NewMemoryAllocator returns a new in-memory allocator.
func NewMemoryAllocator(cfg MemoryAllocatorConfig) (*MemoryAllocator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &MemoryAllocator{
		base:   cfg.Base,
		max:    cfg.Max,
		next:   cfg.Base,
		owners: map[int]string{},
		ports:  map[string]int{},
		logger: cfg.Logger,
	}, nil
}

// Allocate returns a free port for owner.
func (a *MemoryAllocator) Allocate(_ context.Context, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.ports[owner]; ok {
		return p, nil
	}

	size := a.max - a.base
	for i := 0; i < size; i++ {
		p := a.base + (a.next-a.base+i)%size
		if _, used := a.owners[p]; used {
			continue
		}

		a.owners[p] = owner
		a.ports[owner] = p
		a.next = p + 1
		if a.next >= a.max {
			a.next = a.base
		}
		a.logger.Debugf("Allocated port %d to %s", p, owner)
		return p, nil
	}

	return 0, ErrExhausted
}

// Release frees a port.
func (a *MemoryAllocator) Release(_ context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.owners[port]
	if !ok {
		return nil
	}
	delete(a.owners, port)
	delete(a.ports, owner)
	a.logger.Debugf("Released port %d of %s", port, owner)

	return nil
}

// ReleaseOwner frees the port of owner.
func (a *MemoryAllocator) ReleaseOwner(_ context.Context, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.ports[owner]
	if !ok {
		return nil
	}
	delete(a.ports, owner)
	delete(a.owners, p)
	a.logger.Debugf("Released port %d of %s", p, owner)

	return nil
}

// InUse returns the number of allocated ports.
func (a *MemoryAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}
