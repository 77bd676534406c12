// Package signal serves the client media RPC over websocket.
package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/StageRouter/internal/adapters/wire"
	"github.com/dkeye/StageRouter/internal/app"
	"github.com/dkeye/StageRouter/internal/app/sfu"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// CheckOrigin rejects cross-site upgrades; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

type SignalWSController struct {
	SFU      *sfu.Service
	Registry *app.Registry
	Limiter  *RateLimiter
	Policy   app.Policy

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(svc *sfu.Service, reg *app.Registry, limiter *RateLimiter, policy app.Policy, opts Options) *SignalWSController {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &SignalWSController{
		SFU:      svc,
		Registry: reg,
		Limiter:  limiter,
		Policy:   policy,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	sid := uuid.NewString()

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", sid).Str("client", token).Msg("new WS connection")

	conn := wire.NewConn(ws, 64, "signal")
	conn.KeepAlive(ctl.opts.PingPeriod, ctl.opts.ReadLimit)

	sess := &app.ClientSession{
		ClientToken: token,
		RPC:         ctl.SFU.NewSession(sid),
		Conn:        conn,
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(sid, sess, cancel)

	go conn.WritePump(ctx, ctl.opts.PingPeriod)
	go ctl.readPump(ctx, sid, sess, conn)
}
