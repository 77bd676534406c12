// Package ports tracks exclusive use of a fixed port range.
package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/StageRouter/internal/domain"
)

var ErrExhausted = errors.New("port pool exhausted")

// Pool hands out ports of the closed range [Min, Max], one per stage.
// Acquire always returns the lowest free port.
type Pool struct {
	min, max int

	mu   sync.Mutex
	held map[int]domain.StageID
}

func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max < min || max > 65535 {
		return nil, fmt.Errorf("invalid port range [%d,%d]", min, max)
	}
	return &Pool{
		min:  min,
		max:  max,
		held: make(map[int]domain.StageID),
	}, nil
}

func (p *Pool) Min() int { return p.min }
func (p *Pool) Max() int { return p.max }

// Width is the number of ports in the range.
func (p *Pool) Width() int { return p.max - p.min + 1 }

func (p *Pool) Acquire(owner domain.StageID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port <= p.max; port++ {
		if _, taken := p.held[port]; !taken {
			p.held[port] = owner
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees port. Releasing an unmapped port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, port)
}

// Reset drops every mapping.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.held)
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}
