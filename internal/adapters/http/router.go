package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/StageRouter/internal/adapters/signal"
	"github.com/dkeye/StageRouter/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

const clientTokenKey = "ct"

// ClientTokenMiddleware keeps one client token per browser in the session
// store. A bare "ct" cookie from older clients seeds the session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			if token, _ = c.Cookie(clientTokenKey); token == "" {
				token = genClientToken()
			}
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// OriginChecker compiles glob patterns (e.g. "https://*.digital-stage.org")
// into a websocket origin check. Requests without an Origin header pass.
func OriginChecker(patterns []string) (func(r *http.Request) bool, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, g := range globs {
			if g.Match(origin) {
				return true
			}
		}
		log.Warn().Str("module", "adapters.http").Str("origin", origin).Msg("origin rejected")
		return false
	}, nil
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("StageRouterSessions", store))
	r.Use(ClientTokenMiddleware())

	handleSignal := func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	}
	mount := func(g gin.IRoutes) {
		g.GET("/beat", handlerBeat)
		g.GET("/ping", handlerPing)
		g.GET("/ws", handleSignal)
	}

	mount(r)
	// Clients upgrade on the announced url itself.
	r.GET("/", handleSignal)

	if root := strings.Trim(cfg.RootPath, "/"); root != "" {
		g := r.Group("/" + root)
		mount(g)
		g.GET("", handleSignal)
	}

	log.Info().Str("module", "adapters.http").Str("root", cfg.RootPath).Msg("router setup")
	return r
}
