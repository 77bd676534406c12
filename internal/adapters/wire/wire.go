// Package wire holds the JSON envelope and the buffered websocket connection
// shared by the orchestrator client and the client RPC endpoint.
package wire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// Message is the envelope of every frame. ID and Error are only used by
// client requests and their responses.
type Message struct {
	Type    string          `json:"type"`
	ID      *int64          `json:"id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TypeResponse marks a reply to a client request.
const TypeResponse = "response"

func Encode(event string, payload any) (core.Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Type: event, Payload: raw})
}

func EncodeResponse(id int64, payload any, rerr error) (core.Frame, error) {
	msg := Message{Type: TypeResponse, ID: &id}
	if rerr != nil {
		msg.Error = rerr.Error()
	} else if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = b
	}
	return json.Marshal(msg)
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Conn is a websocket with a bounded outbound queue drained by WritePump.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	mod  string

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*Conn)(nil)

func NewConn(ws *websocket.Conn, queue int, module string) *Conn {
	return &Conn{ws: ws, send: make(chan core.Frame, queue), mod: module}
}

func (c *Conn) WS() *websocket.Conn { return c.ws }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// WritePump writes queued frames and, when pingPeriod is set, keepalive
// pings until ctx ends or the connection closes.
func (c *Conn) WritePump(ctx context.Context, pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", c.mod).Msg("writePump ctx done")
			return
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", c.mod).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", c.mod).Msg("writePump channel closed")
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", c.mod).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", c.mod).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// KeepAlive extends the read deadline on every pong.
func (c *Conn) KeepAlive(pingPeriod time.Duration, readLimit int64) {
	if readLimit > 0 {
		c.ws.SetReadLimit(readLimit)
	}
	if pingPeriod <= 0 {
		return
	}
	wait := pingPeriod * 10 / 9
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
}
