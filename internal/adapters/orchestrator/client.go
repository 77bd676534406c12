// Package orchestrator keeps the persistent websocket connection to the
// orchestration server and translates its frames into session callbacks.
package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dkeye/StageRouter/internal/adapters/wire"
	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("orchestrator: not connected")

// Handler receives the orchestrator's lifecycle and commands. Calls are made
// from the read loop, one at a time.
type Handler interface {
	OnConnect() error
	OnReady(ctx context.Context, ready domain.Ready) error
	OnServeStage(p domain.ServeStage)
	OnUnServeStage(p domain.UnServeStage)
	OnDisconnect()
}

type Options struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingPeriod        time.Duration
	ReadLimit         int64
	Dialer            *websocket.Dialer
}

type Client struct {
	opts Options

	mu   sync.RWMutex
	conn *wire.Conn
}

var _ core.Emitter = (*Client)(nil)

func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts}
}

// Emit queues one event for the orchestrator.
func (c *Client) Emit(event string, payload any) error {
	f, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.TrySend(f)
}

// Run connects and reconnects until ctx ends. It returns an error only if a
// ready acknowledgment could not be served.
func (c *Client) Run(ctx context.Context, h Handler) error {
	delay := c.opts.ReconnectDelay
	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err == nil {
			delay = c.opts.ReconnectDelay
			if err := c.serve(ctx, ws, h); err != nil {
				return err
			}
		} else if ctx.Err() == nil {
			log.Error().Err(err).Str("module", "orchestrator").Str("url", c.opts.URL).Msg("dial")
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := delay + rand.N(delay/4+1)
		log.Info().Str("module", "orchestrator").Dur("delay", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay = min(delay*2, c.opts.MaxReconnectDelay)
	}
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn, h Handler) error {
	conn := wire.NewConn(ws, 256, "orchestrator")
	conn.KeepAlive(c.opts.PingPeriod, c.opts.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.WritePump(connCtx, c.opts.PingPeriod)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		h.OnDisconnect()
	}()

	if err := h.OnConnect(); err != nil {
		log.Error().Err(err).Str("module", "orchestrator").Msg("register")
		return nil
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "orchestrator").Msg("read")
			}
			return nil
		}
		if err := c.dispatch(connCtx, h, data); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, h Handler, data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "orchestrator").Msg("bad json")
		return nil
	}

	switch msg.Type {
	case domain.EventReady:
		var p domain.Ready
		if !decode(msg, &p) {
			return nil
		}
		return h.OnReady(ctx, p)
	case domain.EventServeStage:
		var p domain.ServeStage
		if decode(msg, &p) {
			h.OnServeStage(p)
		}
	case domain.EventUnServeStage:
		var p domain.UnServeStage
		if decode(msg, &p) {
			h.OnUnServeStage(p)
		}
	default:
		log.Debug().Str("module", "orchestrator").Str("type", msg.Type).Msg("ignoring event")
	}
	return nil
}

func decode(msg wire.Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		log.Error().Err(err).Str("module", "orchestrator").Str("type", msg.Type).Msg("bad payload")
		return false
	}
	return true
}
