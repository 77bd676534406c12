// Package orch sequences this node's lifecycle against the orchestration
// server: register on connect, start the backends on ready and sweep them on
// disconnect.
package orch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/rs/zerolog/log"
)

type Session struct {
	apiKey     string
	descriptor domain.RouterDescriptor
	emitter    core.Emitter
	backends   []core.StageBackend

	mu      sync.Mutex
	started bool
	router  domain.Router
}

func NewSession(apiKey string, descriptor domain.RouterDescriptor, emitter core.Emitter, backends ...core.StageBackend) *Session {
	return &Session{
		apiKey:     apiKey,
		descriptor: descriptor,
		emitter:    emitter,
		backends:   backends,
	}
}

// Router returns the router assigned by the last ready acknowledgment.
func (s *Session) Router() (domain.Router, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router, s.router.ID != ""
}

// OnConnect authenticates and announces this node.
func (s *Session) OnConnect() error {
	log.Info().Str("module", "orch").Msg("connected to orchestrator, registering")
	return s.emitter.Emit(domain.EventRegister, domain.Register{APIKey: s.apiKey, Router: s.descriptor})
}

// OnReady starts every backend until one call succeeds; later calls only
// hand the new router to them. Readiness is reported back afterwards. Only a
// backend that fails to start on a live connection is returned as an error.
func (s *Session) OnReady(ctx context.Context, ready domain.Ready) error {
	s.mu.Lock()
	first := !s.started
	s.router = ready.Router
	s.mu.Unlock()

	log.Info().Str("module", "orch").Str("router", ready.Router.ID).Bool("first", first).Msg("authenticated on orchestrator")
	for _, b := range s.backends {
		if !first {
			b.Assign(ready.Router)
			continue
		}
		log.Info().Str("module", "orch").Str("backend", string(b.Type())).Msg("starting service")
		if err := b.Start(ctx, ready.Router); err != nil {
			if ctx.Err() != nil {
				// Connection lost mid-start; the next ready retries.
				log.Warn().Err(err).Str("module", "orch").Str("backend", string(b.Type())).Msg("start interrupted")
				return nil
			}
			return fmt.Errorf("start %s service: %w", b.Type(), err)
		}
	}
	if first {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
	}
	if err := s.emitter.Emit(domain.EventReady, nil); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("router", ready.Router.ID).Msg("ready not delivered")
	}
	return nil
}

func (s *Session) OnServeStage(p domain.ServeStage) {
	log.Debug().Str("module", "orch").Str("stage", string(p.Stage.ID)).Str("type", string(p.Type)).Str("kind", string(p.Kind)).Msg("serve stage")
	for _, b := range s.backends {
		b.ServeStage(p)
	}
}

func (s *Session) OnUnServeStage(p domain.UnServeStage) {
	log.Debug().Str("module", "orch").Str("stage", string(p.StageID)).Str("type", string(p.Type)).Str("kind", string(p.Kind)).Msg("unserve stage")
	for _, b := range s.backends {
		b.UnServeStage(p)
	}
}

// OnDisconnect runs every backend's teardown sweep.
func (s *Session) OnDisconnect() {
	log.Warn().Str("module", "orch").Msg("disconnected from orchestrator")
	for _, b := range s.backends {
		b.Disconnect()
	}
}

// Close shuts every backend down for process exit.
func (s *Session) Close() {
	for _, b := range s.backends {
		log.Info().Str("module", "orch").Str("backend", string(b.Type())).Msg("shutting down service")
		b.Close()
	}
}
