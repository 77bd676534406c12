package sfu

import (
	"context"
	"runtime"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RoutingContext is one engine router and the number of client transports
// bound to it.
type RoutingContext struct {
	Router core.SFURouter
	conns  int
}

// RouterPool holds one router per worker and spreads client transports
// across them, filling the earliest created router first.
type RouterPool struct {
	capPerRouter int

	mu       sync.Mutex
	contexts []*RoutingContext
}

// NewRouterPool spawns workers routers concurrently. Routers that fail to
// start are skipped; the pool fails only if none started or ctx ended.
func NewRouterPool(ctx context.Context, engine core.SFUEngine, workers, capPerRouter int) (*RouterPool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	routers := make([]core.SFURouter, workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			r, err := engine.NewRouter(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Error().Err(err).Str("module", "sfu.pool").Int("worker", i).Msg("create router")
				return nil
			}
			routers[i] = r
			return nil
		})
	}
	err := g.Wait()

	p := &RouterPool{capPerRouter: capPerRouter}
	for _, r := range routers {
		if r != nil {
			p.contexts = append(p.contexts, &RoutingContext{Router: r})
		}
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	if len(p.contexts) == 0 {
		return nil, ErrNoRouters
	}
	log.Info().Str("module", "sfu.pool").Int("routers", len(p.contexts)).Int("cap", capPerRouter).Msg("router pool ready")
	return p, nil
}

// Acquire picks the first router below its cap and counts a connection on it.
func (p *RouterPool) Acquire() (*RoutingContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rc := range p.contexts {
		if rc.conns < p.capPerRouter {
			rc.conns++
			return rc, nil
		}
	}
	return nil, ErrRouterFull
}

func (p *RouterPool) Release(rc *RoutingContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rc.conns > 0 {
		rc.conns--
	}
}

// First returns the earliest created router.
func (p *RouterPool) First() core.SFURouter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.contexts) == 0 {
		return nil
	}
	return p.contexts[0].Router
}

func (p *RouterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Load returns the connection count of every router in creation order.
func (p *RouterPool) Load() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.contexts))
	for i, rc := range p.contexts {
		out[i] = rc.conns
	}
	return out
}

func (p *RouterPool) Close() {
	p.mu.Lock()
	contexts := p.contexts
	p.contexts = nil
	p.mu.Unlock()
	for _, rc := range contexts {
		rc.Router.Close()
	}
}
