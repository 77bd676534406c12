package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/StageRouter/internal/app/relay"
	"github.com/dkeye/StageRouter/internal/domain"
)

type routerSource interface {
	Router() (domain.Router, bool)
}

type clientCounter interface {
	Len() int
}

type mediaStats interface {
	Counts() (transports, producers, consumers int)
	Load() []int
}

type relayStats struct {
	name   string
	stages interface{ Snapshot() []relay.StageState }
	ports  interface{ InUse() int }
}

// statusReporter periodically logs what this node is carrying.
type statusReporter struct {
	router  routerSource
	clients clientCounter
	media   mediaStats
	relays  []relayStats
}

func (s *statusReporter) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.report()
		}
	}
}

func (s *statusReporter) report() {
	ev := log.Info().Str("module", "status")
	if r, ok := s.router.Router(); ok {
		ev = ev.Str("router", r.ID)
	}
	transports, producers, consumers := s.media.Counts()
	ev = ev.Int("clients", s.clients.Len()).
		Dict("sfu", zerolog.Dict().
			Int("transports", transports).
			Int("producers", producers).
			Int("consumers", consumers).
			Ints("load", s.media.Load()))
	for _, r := range s.relays {
		ev = ev.Dict(r.name, zerolog.Dict().
			Int("stages", len(r.stages.Snapshot())).
			Int("ports", r.ports.InUse()))
	}
	ev.Msg("status")
}
