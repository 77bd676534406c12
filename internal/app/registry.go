package app

import (
	"context"
	"sync"

	"github.com/dkeye/StageRouter/internal/app/sfu"
	"github.com/dkeye/StageRouter/internal/core"
	"github.com/rs/zerolog/log"
)

// ClientSession is one connected media client.
type ClientSession struct {
	ClientToken string
	RPC         *sfu.Session
	Conn        core.SignalConnection
}

type sessionEntry struct {
	Session *ClientSession
	Cancel  context.CancelFunc
}

// Registry tracks the live client connections of this node.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
	}
}

func (r *Registry) Bind(sid string, sess *ClientSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", sid).Str("client", sess.ClientToken).Msg("bound session")
}

func (r *Registry) Unbind(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", sid).Msg("unbind session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel ends the connection of sid; its read loop then cleans up.
func (r *Registry) Cancel(sid string) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", sid).Msg("canceled session")
	return true
}

// CancelAll ends every client connection.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	sids := make([]string, 0, len(r.sessions))
	for sid := range r.sessions {
		sids = append(sids, sid)
	}
	r.mu.RUnlock()
	for _, sid := range sids {
		r.Cancel(sid)
	}
}
