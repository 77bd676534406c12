// Package sfu serves stages on the mediasoup backend: it announces the
// signaling endpoint for served stages and owns the client-facing media
// object tables.
package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Teardown selects what happens to the router pool when the orchestrator
// connection is lost.
type Teardown string

const (
	// TeardownKeepWarm leaves routers and client objects alive.
	TeardownKeepWarm Teardown = "keep-warm"
	// TeardownClosePool closes every client object and the routers; the next
	// ready acknowledgment builds a fresh pool.
	TeardownClosePool Teardown = "close-pool"
)

type Options struct {
	Engine  core.SFUEngine
	Emitter core.Emitter

	Workers           int
	ConnectionsPerCPU int
	Teardown          Teardown

	// Announced client endpoint: <WSPrefix>://<Domain>[/<Path>] on Port.
	WSPrefix string
	Domain   string
	Path     string
	Port     int
}

// Announcement is the mediasoup field of a served stage.
type Announcement struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// transportEntry also remembers the producers and consumers created on the
// transport; they go away with it.
type transportEntry struct {
	transport core.SFUTransport
	rc        *RoutingContext
	pool      *RouterPool
	producers idSet
	consumers idSet
}

type Service struct {
	opts Options
	log  zerolog.Logger

	mu         sync.RWMutex
	pool       *RouterPool
	initing    bool
	router     domain.Router
	transports map[string]*transportEntry
	producers  map[string]core.SFUProducer
	consumers  map[string]core.SFUConsumer
}

var _ core.StageBackend = (*Service)(nil)

func NewService(opts Options) *Service {
	if opts.Teardown == "" {
		opts.Teardown = TeardownKeepWarm
	}
	if opts.WSPrefix == "" {
		opts.WSPrefix = "wss"
	}
	return &Service{
		opts:       opts,
		log:        log.With().Str("module", "sfu").Logger(),
		transports: make(map[string]*transportEntry),
		producers:  make(map[string]core.SFUProducer),
		consumers:  make(map[string]core.SFUConsumer),
	}
}

func (s *Service) Type() domain.BackendType { return domain.BackendMediasoup }

// Start builds the router pool. It blocks until every worker answered.
func (s *Service) Start(ctx context.Context, router domain.Router) error {
	s.mu.Lock()
	s.router = router
	s.mu.Unlock()
	return s.initPool(ctx)
}

// Assign refreshes the router id and rebuilds the pool if a disconnect
// closed it.
func (s *Service) Assign(router domain.Router) {
	s.mu.Lock()
	s.router = router
	rebuild := s.pool == nil && !s.initing
	s.mu.Unlock()
	if rebuild {
		go func() {
			if err := s.initPool(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("rebuild router pool")
			}
		}()
	}
}

func (s *Service) initPool(ctx context.Context) error {
	s.mu.Lock()
	if s.pool != nil || s.initing {
		s.mu.Unlock()
		return nil
	}
	s.initing = true
	s.mu.Unlock()

	pool, err := NewRouterPool(ctx, s.opts.Engine, s.opts.Workers, s.opts.ConnectionsPerCPU)

	s.mu.Lock()
	s.initing = false
	if err == nil {
		s.pool = pool
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sfu: start router pool: %w", err)
	}
	return nil
}

// Ready reports whether client requests can be served.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool != nil
}

func (s *Service) announcement() Announcement {
	url := s.opts.WSPrefix + "://" + s.opts.Domain
	if s.opts.Path != "" {
		url += "/" + s.opts.Path
	}
	return Announcement{URL: url, Port: s.opts.Port}
}

func (s *Service) ServeStage(p domain.ServeStage) {
	if p.Type != domain.BackendMediasoup {
		return
	}
	kind := p.Kind
	if !kind.Valid() {
		kind = domain.KindBoth
	}
	s.mu.RLock()
	routerID := s.router.ID
	s.mu.RUnlock()

	update := domain.NewStageUpdate(p.Stage.ID).SetRouter(kind, routerID)
	update["mediasoup"] = s.announcement()
	s.emit(domain.EventStageServed, domain.StageServed{Type: domain.BackendMediasoup, Kind: kind, Update: update})
	s.log.Info().Str("stage", string(p.Stage.ID)).Str("name", p.Stage.Name).Str("kind", string(kind)).Msg("managing stage")
}

func (s *Service) UnServeStage(p domain.UnServeStage) {
	if p.Type != domain.BackendMediasoup {
		return
	}
	update := domain.NewStageUpdate(p.StageID).SetRouter(p.Kind, "")
	s.emit(domain.EventStageUnServed, domain.StageUnServed{Type: domain.BackendMediasoup, Kind: p.Kind, Update: update})
	s.log.Info().Str("stage", string(p.StageID)).Str("kind", string(p.Kind)).Msg("stop serving")
}

func (s *Service) Disconnect() {
	if s.opts.Teardown != TeardownClosePool {
		s.log.Info().Msg("orchestrator lost, keeping routers warm")
		return
	}
	s.log.Info().Msg("orchestrator lost, closing router pool")
	s.closeAll()
}

func (s *Service) Close() {
	s.closeAll()
}

// closeAll closes every client object and the router pool.
func (s *Service) closeAll() {
	s.mu.Lock()
	consumers, producers, transports := s.consumers, s.producers, s.transports
	s.consumers = make(map[string]core.SFUConsumer)
	s.producers = make(map[string]core.SFUProducer)
	s.transports = make(map[string]*transportEntry)
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	for _, t := range transports {
		t.transport.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// Counts returns the sizes of the global object tables.
func (s *Service) Counts() (transports, producers, consumers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transports), len(s.producers), len(s.consumers)
}

// Load returns the transport count per router, or nil while no pool is up.
func (s *Service) Load() []int {
	pool, err := s.currentPool()
	if err != nil {
		return nil
	}
	return pool.Load()
}

func (s *Service) currentPool() (*RouterPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrNotReady
	}
	return s.pool, nil
}

func (s *Service) emit(event string, payload any) {
	if err := s.opts.Emitter.Emit(event, payload); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("emit")
	}
}
