package signal

import (
	"context"
	"errors"

	"github.com/dkeye/StageRouter/internal/adapters/wire"
	"github.com/dkeye/StageRouter/internal/app"
	"github.com/dkeye/StageRouter/internal/app/sfu"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many requests")

func (ctl *SignalWSController) readPump(ctx context.Context, sid string, sess *app.ClientSession, c *wire.Conn) {
	stop := context.AfterFunc(ctx, c.Close)
	defer func() {
		stop()
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closing")
		sess.RPC.Close()
		ctl.Registry.Unbind(sid)
		ctl.Limiter.Forget(sid)
		c.Close()
	}()

	ws := c.WS()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
		ctl.handleRequest(ctx, sid, sess, data)
	}
}

// handleRequest runs one request to completion before the next is read, so a
// session never races with itself.
func (ctl *SignalWSController) handleRequest(ctx context.Context, sid string, sess *app.ClientSession, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("bad json")
		return
	}
	if msg.ID == nil {
		log.Warn().Str("module", "signal").Str("sid", sid).Str("type", msg.Type).Msg("request without id")
		return
	}

	var (
		payload any
		rerr    error
	)
	if ctl.Limiter.Allow(sid) {
		payload, rerr = sess.RPC.Handle(ctx, msg.Type, msg.Payload)
	} else {
		rerr = ErrRateLimited
	}
	if rerr != nil {
		log.Debug().Err(rerr).Str("module", "signal").Str("sid", sid).Str("type", msg.Type).Msg("request failed")
	}
	ctl.reply(sid, sess, *msg.ID, payload, rerr)
}

func (ctl *SignalWSController) reply(sid string, sess *app.ClientSession, id int64, payload any, rerr error) {
	f, err := wire.EncodeResponse(id, payload, rerr)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("encode response")
		f, _ = wire.EncodeResponse(id, nil, sfu.ErrInternal)
	}
	err = sess.Conn.TrySend(f)
	if !errors.Is(err, wire.ErrBackpressure) {
		return
	}
	switch ctl.Policy.OnBackPressure(sid) {
	case app.KickClient:
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("slow client, disconnecting")
		ctl.Registry.Cancel(sid)
	case app.DropFrame, app.NoAction:
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("slow client, response dropped")
	}
}
