// Package native supervises relay servers (OV, Jammer) running as child
// processes. A relay prints one JSON event per line on stdout, e.g.
//
//	{"event":"status","pin":4711,"serverJitter":1.5}
package native

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoBinary = errors.New("relay binary not configured")

type Engine struct {
	Name   string
	Binary string
	// Args are prepended to the generated flags.
	Args []string
}

var _ core.RelayEngine = (*Engine)(nil)

func NewEngine(name, binary string, args ...string) *Engine {
	return &Engine{Name: name, Binary: binary, Args: args}
}

func (e *Engine) args(p core.RelayParams) []string {
	args := append([]string(nil), e.Args...)
	args = append(args,
		"--port", strconv.Itoa(p.Port),
		"--stage", string(p.StageID),
	)
	if p.Priority > 0 {
		args = append(args, "--priority", strconv.Itoa(p.Priority))
	}
	if p.Key != "" {
		args = append(args, "--key", p.Key)
	}
	return args
}

// Start launches the relay. The process outlives ctx; only Stop ends it.
func (e *Engine) Start(ctx context.Context, p core.RelayParams) (core.RelayInstance, error) {
	if e.Binary == "" {
		return nil, ErrNoBinary
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := log.With().Str("module", "native").Str("relay", e.Name).Str("stage", string(p.StageID)).Int("port", p.Port).Logger()

	cmd := exec.Command(e.Binary, e.args(p)...)
	cmd.Stderr = &lineLogger{log: logger}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Name, err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("relay started")

	inst := &instance{
		cmd:    cmd,
		log:    logger,
		events: make(chan core.RelayEvent, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go inst.run(stdout)
	return inst, nil
}

type instance struct {
	cmd *exec.Cmd
	log zerolog.Logger

	events chan core.RelayEvent
	quit   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

func (i *instance) Events() <-chan core.RelayEvent { return i.events }

func (i *instance) send(ev core.RelayEvent) bool {
	select {
	case i.events <- ev:
		return true
	case <-i.quit:
		return false
	}
}

func (i *instance) stopped() bool {
	select {
	case <-i.quit:
		return true
	default:
		return false
	}
}

func (i *instance) run(stdout io.Reader) {
	defer close(i.done)
	defer close(i.events)

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.RelayEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Kind == "" {
			i.log.Debug().Str("line", string(line)).Msg("relay output")
			continue
		}
		if !i.send(ev) {
			// Drain so the child never blocks on a full pipe.
			for sc.Scan() {
			}
			break
		}
	}

	err := i.cmd.Wait()
	if i.stopped() {
		i.log.Info().Msg("relay stopped")
		return
	}
	if err == nil {
		err = errors.New("relay exited")
	}
	i.log.Warn().Err(err).Msg("relay terminated unexpectedly")
	i.send(core.RelayEvent{Kind: core.RelayExit, Err: err})
}

// Stop kills the process and waits until it is reaped.
func (i *instance) Stop() {
	i.stopOnce.Do(func() {
		close(i.quit)
		if err := i.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			i.log.Debug().Err(err).Msg("kill relay")
		}
	})
	<-i.done
}

type lineLogger struct {
	log zerolog.Logger
}

func (l *lineLogger) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte{'\n'}) {
		if len(line) > 0 {
			l.log.Debug().Str("stderr", string(line)).Msg("relay output")
		}
	}
	return len(p), nil
}
