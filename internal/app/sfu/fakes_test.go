package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// closeLog records the order objects were closed in.
type closeLog struct {
	mu     sync.Mutex
	closed []string
}

func (l *closeLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, id)
}

func (l *closeLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.closed...)
}

type fakeEngine struct {
	log *closeLog
	// failAfter makes NewRouter fail once this many routers exist; <0 never.
	failAfter    int
	transportErr error
	connectErr   error

	mu      sync.Mutex
	routers []*fakeRouter
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{log: &closeLog{}, failAfter: -1}
}

func (e *fakeEngine) NewRouter(ctx context.Context) (core.SFURouter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAfter >= 0 && len(e.routers) >= e.failAfter {
		return nil, errors.New("worker died")
	}
	r := &fakeRouter{id: nextID("router"), engine: e}
	e.routers = append(e.routers, r)
	return r, nil
}

type fakeRouter struct {
	id     string
	engine *fakeEngine
	closed atomic.Bool
}

func (r *fakeRouter) ID() string           { return r.id }
func (r *fakeRouter) RtpCapabilities() any { return map[string]any{"codecs": []string{"audio/opus"}} }
func (r *fakeRouter) Close()               { r.closed.Store(true); r.engine.log.add(r.id) }

func (r *fakeRouter) CreateWebRtcTransport(ctx context.Context) (core.SFUTransport, error) {
	if r.engine.transportErr != nil {
		return nil, r.engine.transportErr
	}
	return &fakeTransport{id: nextID("transport"), router: r}, nil
}

type fakeTransport struct {
	id     string
	router *fakeRouter
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Parameters() any {
	return map[string]any{"id": t.id, "router": t.router.id}
}

func (t *fakeTransport) Connect(ctx context.Context, dtls []byte) error {
	return t.router.engine.connectErr
}

func (t *fakeTransport) Produce(ctx context.Context, kind string, rtp []byte) (core.SFUProducer, error) {
	if kind != "audio" && kind != "video" {
		return nil, errors.New("invalid kind")
	}
	return &fakeProducer{id: nextID("producer"), kind: kind, log: t.router.engine.log}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID string, caps []byte, paused bool) (core.SFUConsumer, error) {
	return &fakeConsumer{id: nextID("consumer"), producerID: producerID, paused: paused, log: t.router.engine.log}, nil
}

func (t *fakeTransport) Close() { t.router.engine.log.add(t.id) }

type fakeProducer struct {
	id     string
	kind   string
	paused atomic.Bool
	log    *closeLog
}

func (p *fakeProducer) ID() string    { return p.id }
func (p *fakeProducer) Kind() string  { return p.kind }
func (p *fakeProducer) Pause() error  { p.paused.Store(true); return nil }
func (p *fakeProducer) Resume() error { p.paused.Store(false); return nil }
func (p *fakeProducer) Close()        { p.log.add(p.id) }

type fakeConsumer struct {
	id         string
	producerID string
	paused     bool
	log        *closeLog
}

func (c *fakeConsumer) ID() string { return c.id }

func (c *fakeConsumer) Parameters() any {
	return map[string]any{"id": c.id, "producerId": c.producerID, "paused": c.paused}
}

func (c *fakeConsumer) Pause() error  { return nil }
func (c *fakeConsumer) Resume() error { return nil }
func (c *fakeConsumer) Close()        { c.log.add(c.id) }

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
	last   domain.StageServed
}

func (f *fakeEmitter) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.last, _ = payload.(domain.StageServed)
	return nil
}
