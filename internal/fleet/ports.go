package fleet

import (
	"fmt"
	"sync"
)

// PortAllocator hands out remote-debugging ports to browser sessions. Each
// supervisor owns its own allocator, so tests and separate fleets never
// share a counter.
type PortAllocator struct {
	base  int
	limit int

	mu    sync.Mutex
	inUse map[int]bool
}

// NewPortAllocator allocates ports from [base, base+size). A size of zero
// allows 1000 ports.
func NewPortAllocator(base, size int) *PortAllocator {
	if size <= 0 {
		size = 1000
	}
	return &PortAllocator{
		base:  base,
		limit: base + size,
		inUse: make(map[int]bool),
	}
}

// Acquire returns the lowest free port.
func (p *PortAllocator) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.base; port < p.limit; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", p.base, p.limit)
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse reports how many ports are currently allocated.
func (p *PortAllocator) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
