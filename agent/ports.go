package agent

import (
	"sync"

	"masterkit/errors"
)

// PortPool hands out ports from a fixed range for spawned room processes.
// Released ports are reused before the range advances, so a long-lived
// agent does not leak through its range.
type PortPool struct {
	mu    sync.Mutex
	next  int32
	last  int32
	freed []int32
}

func NewPortPool(first, last int32) *PortPool {
	return &PortPool{next: first, last: last}
}

func (p *PortPool) Acquire() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freed); n > 0 {
		port := p.freed[n-1]
		p.freed = p.freed[:n-1]
		return port, nil
	}
	if p.next > p.last {
		return 0, errors.ErrNoFreePorts
	}
	port := p.next
	p.next++
	return port, nil
}

func (p *PortPool) Release(port int32) {
	p.mu.Lock()
	p.freed = append(p.freed, port)
	p.mu.Unlock()
}
