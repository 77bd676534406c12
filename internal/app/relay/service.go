// Package relay provisions stages on the dedicated low-latency audio relay
// backends. One Service is instantiated per backend kind.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/StageRouter/internal/app/ports"
	"github.com/dkeye/StageRouter/internal/app/throttle"
	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type state int

const (
	stateProvisioning state = iota
	stateServing
)

func (s state) String() string {
	if s == stateServing {
		return "serving"
	}
	return "provisioning"
}

// entry is the managed-stage record of one stage on this backend.
type entry struct {
	stage domain.Stage
	kind  domain.MediaKind
	port  int
	key   string
	state state
	inst  core.RelayInstance
	// unserve is set when an unserve arrived while provisioning; it is
	// applied as soon as the engine start resolves.
	unserve *domain.UnServeStage
	// token tells a live entry apart from a replaced one with the same id.
	token uint64
}

// StageState is a read-only view of one managed stage.
type StageState struct {
	StageID domain.StageID   `json:"stageId"`
	Kind    domain.MediaKind `json:"kind"`
	Port    int              `json:"port"`
	State   string           `json:"state"`
}

type Options struct {
	Profile Profile
	Pool    *ports.Pool
	// StartQuantum spaces this service's engine starts; zero means
	// throttle.DefaultQuantum.
	StartQuantum time.Duration
	Engine       core.RelayEngine
	Emitter      core.Emitter
	IPv4         string
	IPv6         string
}

// Service runs the stage state machine of one relay backend. Every mutation
// happens on its dispatch goroutine, so handlers for the same stage never
// interleave.
type Service struct {
	opts     Options
	log      zerolog.Logger
	throttle *throttle.Queue

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	quit    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	// owned by the dispatch goroutine
	router    domain.Router
	stages    map[domain.StageID]*entry
	nextToken uint64
}

var _ core.StageBackend = (*Service)(nil)

func NewService(opts Options) (*Service, error) {
	if opts.Pool == nil || opts.Engine == nil || opts.Emitter == nil {
		return nil, errors.New("relay: pool, engine and emitter are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:     opts,
		log:      log.With().Str("module", "relay."+string(opts.Profile.Type)).Logger(),
		throttle: throttle.New(opts.StartQuantum),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan func(), 64),
		quit:     make(chan struct{}),
		stages:   make(map[domain.StageID]*entry),
	}, nil
}

func (s *Service) Type() domain.BackendType { return s.opts.Profile.Type }

func (s *Service) Start(_ context.Context, router domain.Router) error {
	s.startOnce.Do(func() {
		s.router = router
		s.started.Store(true)
		go s.run()
		s.log.Info().Str("router", router.ID).Int("min_port", s.opts.Pool.Min()).Int("max_port", s.opts.Pool.Max()).Dur("start_quantum", s.throttle.Quantum()).Msg("service started")
	})
	return nil
}

func (s *Service) Assign(router domain.Router) {
	s.post(func() { s.router = router })
}

func (s *Service) ServeStage(p domain.ServeStage) {
	s.post(func() { s.serve(p) })
}

func (s *Service) UnServeStage(p domain.UnServeStage) {
	s.post(func() { s.unserve(p) })
}

func (s *Service) Disconnect() {
	s.post(s.sweep)
}

// Close stops every managed relay and the dispatch goroutine.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.call(s.sweep)
		s.cancel()
		close(s.quit)
	})
}

// Snapshot returns the managed stages as seen by the dispatch goroutine.
func (s *Service) Snapshot() []StageState {
	var out []StageState
	s.call(func() {
		out = make([]StageState, 0, len(s.stages))
		for id, e := range s.stages {
			out = append(out, StageState{StageID: id, Kind: e.kind, Port: e.port, State: e.state.String()})
		}
	})
	return out
}

func (s *Service) run() {
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *Service) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the dispatch goroutine and waits for it. It is a no-op
// before Start.
func (s *Service) call(fn func()) {
	if !s.started.Load() {
		return
	}
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

func (s *Service) serve(p domain.ServeStage) {
	if p.Type != s.opts.Profile.Type {
		return
	}
	stage := p.Stage
	if _, ok := s.stages[stage.ID]; ok {
		s.log.Debug().Str("stage", string(stage.ID)).Msg("stage already managed")
		return
	}
	kind := p.Kind
	if !kind.Valid() {
		kind = domain.KindAudio
	}

	port, err := s.opts.Pool.Acquire(stage.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("stage", string(stage.ID)).Str("name", stage.Name).Msg("exhausted: could not obtain a port")
		return
	}
	key, err := s.opts.Profile.newKey()
	if err != nil {
		s.opts.Pool.Release(port)
		s.log.Error().Err(err).Str("stage", string(stage.ID)).Msg("generate stage key")
		return
	}

	s.nextToken++
	e := &entry{
		stage: stage,
		kind:  kind,
		port:  port,
		key:   key,
		state: stateProvisioning,
		token: s.nextToken,
	}
	s.stages[stage.ID] = e
	s.log.Info().Str("stage", string(stage.ID)).Str("name", stage.Name).Int("port", port).Msg("provisioning stage")

	params := core.RelayParams{
		StageID:  stage.ID,
		Port:     port,
		Priority: s.opts.Profile.Priority,
		Key:      key,
	}
	go s.provision(e.token, params)
}

// provision waits for a start slot and starts the engine off the dispatch
// goroutine, then hands the result back to it.
func (s *Service) provision(token uint64, params core.RelayParams) {
	if err := s.throttle.Wait(s.ctx); err != nil {
		s.post(func() { s.provisioned(params.StageID, token, nil, err) })
		return
	}
	inst, err := s.opts.Engine.Start(s.ctx, params)
	if s.ctx.Err() != nil {
		if inst != nil {
			inst.Stop()
		}
		return
	}
	if !s.post(func() { s.provisioned(params.StageID, token, inst, err) }) && inst != nil {
		inst.Stop()
	}
}

func (s *Service) provisioned(id domain.StageID, token uint64, inst core.RelayInstance, err error) {
	e, ok := s.stages[id]
	live := ok && e.token == token

	if err != nil {
		s.log.Error().Err(err).Str("stage", string(id)).Msg("start relay")
		if live {
			delete(s.stages, id)
			s.opts.Pool.Release(e.port)
		}
		return
	}
	if !live {
		// The sweep already dropped the entry and its port.
		s.log.Info().Str("stage", string(id)).Msg("discarding relay of a stage no longer managed")
		inst.Stop()
		return
	}

	e.inst = inst
	if e.unserve != nil {
		s.log.Info().Str("stage", string(id)).Msg("applying unserve queued during provisioning")
		s.stop(e, *e.unserve)
		return
	}

	e.state = stateServing
	go s.forward(id, token, inst)

	update := domain.NewStageUpdate(id).SetRouter(e.kind, s.router.ID)
	s.opts.Profile.served(update, s.opts.IPv4, s.opts.IPv6, e.port, e.key)
	s.emit(domain.EventStageServed, domain.StageServed{Type: s.opts.Profile.Type, Kind: e.kind, Update: update})
	s.log.Info().Str("stage", string(id)).Str("name", e.stage.Name).Str("ipv4", s.opts.IPv4).Int("port", e.port).Msg("managing stage")
}

func (s *Service) forward(id domain.StageID, token uint64, inst core.RelayInstance) {
	for ev := range inst.Events() {
		if !s.post(func() { s.onEvent(id, token, ev) }) {
			return
		}
	}
}

func (s *Service) onEvent(id domain.StageID, token uint64, ev core.RelayEvent) {
	e, ok := s.stages[id]
	if !ok || e.token != token {
		return
	}
	logger := s.log.With().Str("stage", string(id)).Logger()

	switch ev.Kind {
	case core.RelayReady:
		logger.Info().Int("port", ev.Port).Msg("relay ready")
	case core.RelayConnect:
		logger.Info().Int("device", ev.DeviceID).Str("version", ev.Version).Msg("device connected")
	case core.RelayDisconnect:
		logger.Info().Int("device", ev.DeviceID).Msg("device disconnected")
	case core.RelayStatus, core.RelayLatency:
		if !s.opts.Profile.Telemetry {
			return
		}
		update := domain.NewStageUpdate(id).SetRouter(e.kind, s.router.ID)
		s.opts.Profile.endpoint(update, s.opts.IPv4, s.opts.IPv6, e.port)
		if ev.Kind == core.RelayStatus {
			s.opts.Profile.status(update, ev)
		} else {
			s.opts.Profile.latency(update, ev)
		}
		s.emit(domain.EventStageChanged, domain.StageChanged{Type: s.opts.Profile.Type, Kind: e.kind, Update: update})
	case core.RelayExit:
		logger.Warn().Err(ev.Err).Msg("relay exited unexpectedly")
		s.stop(e, domain.UnServeStage{StageID: id, Type: s.opts.Profile.Type, Kind: e.kind})
	}
}

func (s *Service) unserve(p domain.UnServeStage) {
	if p.Type != s.opts.Profile.Type {
		return
	}
	e, ok := s.stages[p.StageID]
	if !ok {
		return
	}
	if e.kind != p.Kind {
		s.log.Debug().Str("stage", string(p.StageID)).Str("kind", string(p.Kind)).Str("served", string(e.kind)).Msg("unserve kind mismatch, ignoring")
		return
	}
	if e.state == stateProvisioning {
		s.log.Info().Str("stage", string(p.StageID)).Msg("unserve queued until provisioning resolves")
		e.unserve = &p
		return
	}
	s.log.Info().Str("stage", string(p.StageID)).Str("name", e.stage.Name).Msg("stop serving")
	s.stop(e, p)
}

// stop tears down one entry and tells the orchestrator.
func (s *Service) stop(e *entry, p domain.UnServeStage) {
	if e.inst != nil {
		e.inst.Stop()
	}
	delete(s.stages, e.stage.ID)
	s.opts.Pool.Release(e.port)

	update := domain.NewStageUpdate(e.stage.ID).SetRouter(p.Kind, "")
	s.opts.Profile.cleared(update)
	s.emit(domain.EventStageUnServed, domain.StageUnServed{Type: p.Type, Kind: p.Kind, Update: update})
}

// sweep forcibly empties all state regardless of command matching.
func (s *Service) sweep() {
	for id, e := range s.stages {
		if e.inst != nil {
			e.inst.Stop()
		}
		s.log.Info().Str("stage", string(id)).Str("state", e.state.String()).Msg("dropping stage")
	}
	clear(s.stages)
	s.opts.Pool.Reset()
}

func (s *Service) emit(event string, payload any) {
	if err := s.opts.Emitter.Emit(event, payload); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("emit")
	}
}
