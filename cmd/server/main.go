package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/StageRouter/internal/adapters/geo"
	router "github.com/dkeye/StageRouter/internal/adapters/http"
	"github.com/dkeye/StageRouter/internal/adapters/mediasoup"
	"github.com/dkeye/StageRouter/internal/adapters/native"
	"github.com/dkeye/StageRouter/internal/adapters/orchestrator"
	wsignal "github.com/dkeye/StageRouter/internal/adapters/signal"
	"github.com/dkeye/StageRouter/internal/app"
	"github.com/dkeye/StageRouter/internal/app/orch"
	"github.com/dkeye/StageRouter/internal/app/ports"
	"github.com/dkeye/StageRouter/internal/app/relay"
	"github.com/dkeye/StageRouter/internal/app/sfu"
	"github.com/dkeye/StageRouter/internal/config"
	"github.com/dkeye/StageRouter/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("router stopped")
		os.Exit(1)
	}
	log.Info().Msg("Router exited gracefully")
}

func setupLogger(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	desc, err := geo.NewResolver(cfg).Describe(ctx, cfg)
	if err != nil {
		return fmt.Errorf("describe router: %w", err)
	}
	log.Info().Str("ipv4", desc.IPv4).Str("url", desc.URL).Str("city", desc.City).Msg("router identity")

	client := orchestrator.New(orchestrator.Options{
		URL:            cfg.APIURL,
		ReconnectDelay: cfg.ReconnectDelay,
		PingPeriod:     cfg.PingPeriod,
		ReadLimit:      cfg.ReadLimit,
	})

	ov, ovPorts, err := newRelay(relay.OV, cfg.OVMinPort, cfg.OVMaxPort, cfg.OVBinary, cfg.StartQuantum, client, desc)
	if err != nil {
		return err
	}
	jammer, jammerPorts, err := newRelay(relay.Jammer, cfg.JammerMinPort, cfg.JammerMaxPort, cfg.JammerBinary, cfg.StartQuantum, client, desc)
	if err != nil {
		return err
	}

	announced := cfg.AnnouncedIP
	if announced == "" {
		announced = desc.IPv4
	}
	engine := mediasoup.NewEngine(mediasoup.Options{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: announced,
		LogLevel:    cfg.MediasoupLogLevel,
		RTCMinPort:  cfg.RTCMinPort,
		RTCMaxPort:  cfg.RTCMaxPort,
	})
	defer engine.Close()
	media := sfu.NewService(sfu.Options{
		Engine:            engine,
		Emitter:           client,
		Workers:           cfg.Workers,
		ConnectionsPerCPU: cfg.ConnectionsPerCPU,
		Teardown:          sfu.Teardown(cfg.SFUTeardown),
		WSPrefix:          cfg.WSPrefix,
		Domain:            cfg.Domain,
		Path:              cfg.RootPath,
		Port:              cfg.PublicPort,
	})

	session := orch.NewSession(cfg.APIKey, desc, client, media, ov, jammer)

	checkOrigin, err := router.OriginChecker(cfg.AllowedOrigins)
	if err != nil {
		return err
	}
	reg := app.NewRegistry()
	ctl := wsignal.NewSignalWSController(media, reg,
		wsignal.NewRateLimiter(cfg.RPCRateLimit, cfg.RPCRateInterval),
		app.SimplePolicy{},
		wsignal.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod, CheckOrigin: checkOrigin},
	)

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errc := make(chan error, 2)
	go func() {
		log.Info().Str("addr", addr).Msg("Router server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := client.Run(ctx, session); err != nil {
			errc <- err
		}
	}()

	status := &statusReporter{
		router:  session,
		clients: reg,
		media:   media,
		relays: []relayStats{
			{name: string(relay.OV.Type), stages: ov, ports: ovPorts},
			{name: string(relay.Jammer.Type), stages: jammer, ports: jammerPorts},
		},
	}
	go status.run(ctx, cfg.StatusInterval)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}

	log.Info().Msg("Shutting down")
	reg.CancelAll()
	session.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("Server forced to shutdown")
	}
	return err
}

// newRelay builds a relay service with its own port pool and start queue.
func newRelay(p relay.Profile, minPort, maxPort int, binary string, quantum time.Duration, client *orchestrator.Client, desc domain.RouterDescriptor) (*relay.Service, *ports.Pool, error) {
	pool, err := ports.NewPool(minPort, maxPort)
	if err != nil {
		return nil, nil, fmt.Errorf("%s ports: %w", p.Type, err)
	}
	svc, err := relay.NewService(relay.Options{
		Profile:      p,
		Pool:         pool,
		StartQuantum: quantum,
		Engine:       native.NewEngine(string(p.Type), binary),
		Emitter:      client,
		IPv4:         desc.IPv4,
		IPv6:         desc.IPv6,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, pool, nil
}
