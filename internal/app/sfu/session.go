package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/rs/zerolog"
)

type idSet map[string]struct{}

// Session is the media state of one connected client. Ids recorded here are
// closed when the client goes away.
type Session struct {
	ID  string
	svc *Service
	log zerolog.Logger

	mu         sync.Mutex
	closed     bool
	transports idSet
	producers  idSet
	consumers  idSet
}

func (s *Service) NewSession(id string) *Session {
	return &Session{
		ID:         id,
		svc:        s,
		log:        s.log.With().Str("sid", id).Logger(),
		transports: make(idSet),
		producers:  make(idSet),
		consumers:  make(idSet),
	}
}

func (se *Session) RtpCapabilities() (any, error) {
	pool, err := se.svc.currentPool()
	if err != nil {
		return nil, err
	}
	r := pool.First()
	if r == nil {
		return nil, ErrNotReady
	}
	return r.RtpCapabilities(), nil
}

func (se *Session) CreateTransport(ctx context.Context) (any, error) {
	pool, err := se.svc.currentPool()
	if err != nil {
		return nil, err
	}
	rc, err := pool.Acquire()
	if err != nil {
		se.log.Warn().Msg("all routers at capacity")
		return nil, err
	}
	t, err := rc.Router.CreateWebRtcTransport(ctx)
	if err != nil {
		pool.Release(rc)
		se.log.Error().Err(err).Str("router", rc.Router.ID()).Msg("create transport")
		return nil, ErrInternal
	}

	se.svc.mu.Lock()
	se.svc.transports[t.ID()] = &transportEntry{
		transport: t,
		rc:        rc,
		pool:      pool,
		producers: make(idSet),
		consumers: make(idSet),
	}
	se.svc.mu.Unlock()
	se.record(se.transports, t.ID())

	se.log.Debug().Str("transport", t.ID()).Str("router", rc.Router.ID()).Msg("transport created")
	return t.Parameters(), nil
}

func (se *Session) ConnectTransport(ctx context.Context, transportID string, dtls []byte) error {
	e, ok := se.svc.transport(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	if err := e.transport.Connect(ctx, dtls); err != nil {
		se.log.Error().Err(err).Str("transport", transportID).Msg("connect transport")
		return ErrInternal
	}
	return nil
}

// CloseTransport closes the transport together with the consumers and
// producers created on it.
func (se *Session) CloseTransport(transportID string) error {
	svc := se.svc
	svc.mu.Lock()
	e, ok := svc.transports[transportID]
	if !ok {
		svc.mu.Unlock()
		return ErrTransportNotFound
	}
	delete(svc.transports, transportID)
	var cs, ps []closer
	for id := range e.consumers {
		if c, ok := svc.consumers[id]; ok {
			cs = append(cs, c)
			delete(svc.consumers, id)
		}
	}
	for id := range e.producers {
		if p, ok := svc.producers[id]; ok {
			ps = append(ps, p)
			delete(svc.producers, id)
		}
	}
	svc.mu.Unlock()

	se.mu.Lock()
	delete(se.transports, transportID)
	for id := range e.consumers {
		delete(se.consumers, id)
	}
	for id := range e.producers {
		delete(se.producers, id)
	}
	se.mu.Unlock()

	for _, c := range cs {
		c.Close()
	}
	for _, p := range ps {
		p.Close()
	}
	e.transport.Close()
	e.pool.Release(e.rc)
	se.log.Debug().Str("transport", transportID).Int("consumers", len(cs)).Int("producers", len(ps)).Msg("transport closed")
	return nil
}

// Produce returns the new producer id.
func (se *Session) Produce(ctx context.Context, transportID, kind string, rtp []byte) (string, error) {
	e, ok := se.svc.transport(transportID)
	if !ok {
		return "", ErrTransportNotFound
	}
	p, err := e.transport.Produce(ctx, kind, rtp)
	if err != nil {
		return "", err
	}
	se.svc.mu.Lock()
	se.svc.producers[p.ID()] = p
	e.producers[p.ID()] = struct{}{}
	se.svc.mu.Unlock()
	se.record(se.producers, p.ID())
	se.log.Debug().Str("producer", p.ID()).Str("kind", p.Kind()).Msg("producer created")
	return p.ID(), nil
}

func (se *Session) PauseProducer(id string) error {
	p, ok := se.svc.producer(id)
	if !ok {
		return ErrProducerNotFound
	}
	return p.Pause()
}

func (se *Session) ResumeProducer(id string) error {
	p, ok := se.svc.producer(id)
	if !ok {
		return ErrProducerNotFound
	}
	return p.Resume()
}

func (se *Session) CloseProducer(id string) error {
	se.svc.mu.Lock()
	p, ok := se.svc.producers[id]
	delete(se.svc.producers, id)
	se.svc.mu.Unlock()
	if !ok {
		return ErrProducerNotFound
	}
	se.forget(se.producers, id)
	p.Close()
	return nil
}

// Consume creates a paused consumer; the client resumes it once its side is
// ready.
func (se *Session) Consume(ctx context.Context, transportID, producerID string, caps []byte) (any, error) {
	if _, ok := se.svc.producer(producerID); !ok {
		return nil, ErrProducerNotFound
	}
	e, ok := se.svc.transport(transportID)
	if !ok {
		return nil, ErrTransportNotFound
	}
	c, err := e.transport.Consume(ctx, producerID, caps, true)
	if err != nil {
		return nil, err
	}
	se.svc.mu.Lock()
	se.svc.consumers[c.ID()] = c
	e.consumers[c.ID()] = struct{}{}
	se.svc.mu.Unlock()
	se.record(se.consumers, c.ID())
	se.log.Debug().Str("consumer", c.ID()).Str("producer", producerID).Msg("consumer created")
	return c.Parameters(), nil
}

func (se *Session) PauseConsumer(id string) error {
	c, ok := se.svc.consumer(id)
	if !ok {
		return ErrConsumerNotFound
	}
	return c.Pause()
}

func (se *Session) ResumeConsumer(id string) error {
	c, ok := se.svc.consumer(id)
	if !ok {
		return ErrConsumerNotFound
	}
	return c.Resume()
}

func (se *Session) CloseConsumer(id string) error {
	se.svc.mu.Lock()
	c, ok := se.svc.consumers[id]
	delete(se.svc.consumers, id)
	se.svc.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	se.forget(se.consumers, id)
	c.Close()
	return nil
}

// Close releases everything the session created: consumers, then producers,
// then transports. Calling it again does nothing.
func (se *Session) Close() {
	se.mu.Lock()
	if se.closed {
		se.mu.Unlock()
		return
	}
	se.closed = true
	consumers, producers, transports := maps.Clone(se.consumers), maps.Clone(se.producers), maps.Clone(se.transports)
	clear(se.consumers)
	clear(se.producers)
	clear(se.transports)
	se.mu.Unlock()

	svc := se.svc
	svc.mu.Lock()
	var (
		cs []closer
		ps []closer
		ts []*transportEntry
	)
	for id := range consumers {
		if c, ok := svc.consumers[id]; ok {
			cs = append(cs, c)
			delete(svc.consumers, id)
		}
	}
	for id := range producers {
		if p, ok := svc.producers[id]; ok {
			ps = append(ps, p)
			delete(svc.producers, id)
		}
	}
	for id := range transports {
		if t, ok := svc.transports[id]; ok {
			ts = append(ts, t)
			delete(svc.transports, id)
		}
	}
	svc.mu.Unlock()

	for _, c := range cs {
		c.Close()
	}
	for _, p := range ps {
		p.Close()
	}
	for _, t := range ts {
		t.transport.Close()
		t.pool.Release(t.rc)
	}
	se.log.Info().Int("consumers", len(cs)).Int("producers", len(ps)).Int("transports", len(ts)).Msg("session closed")
}

type closer interface{ Close() }

func (se *Session) record(set idSet, id string) {
	se.mu.Lock()
	defer se.mu.Unlock()
	set[id] = struct{}{}
}

func (se *Session) forget(set idSet, id string) {
	se.mu.Lock()
	defer se.mu.Unlock()
	delete(set, id)
}

func (s *Service) transport(id string) (*transportEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.transports[id]
	return e, ok
}

func (s *Service) producer(id string) (core.SFUProducer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[id]
	return p, ok
}

func (s *Service) consumer(id string) (core.SFUConsumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[id]
	return c, ok
}
