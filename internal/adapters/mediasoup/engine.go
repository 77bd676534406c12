// Package mediasoup runs SFU routers on mediasoup workers, one worker per
// router.
package mediasoup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/goccy/go-json"
	ms "github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog/log"
)

var (
	ErrBadKind       = errors.New("kind must be audio or video")
	ErrBadParameters = errors.New("malformed parameters")
)

type Options struct {
	ListenIP    string
	AnnouncedIP string
	LogLevel    string
	RTCMinPort  int
	RTCMaxPort  int
}

// mediaCodecs is what every router offers to clients.
var mediaCodecs = []*ms.RtpCodecCapability{
	{
		Kind:      "audio",
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	},
	{
		Kind:      "video",
		MimeType:  "video/VP8",
		ClockRate: 90000,
	},
	{
		Kind:      "video",
		MimeType:  "video/H264",
		ClockRate: 90000,
	},
}

type Engine struct {
	opts Options

	mu      sync.Mutex
	workers []*ms.Worker
}

var _ core.SFUEngine = (*Engine)(nil)

func NewEngine(opts Options) *Engine {
	if opts.ListenIP == "" {
		opts.ListenIP = "0.0.0.0"
	}
	return &Engine{opts: opts}
}

func logLevel(level string) ms.WorkerLogLevel {
	switch level {
	case "debug":
		return ms.WorkerLogLevel_Debug
	case "error":
		return ms.WorkerLogLevel_Error
	case "none":
		return ms.WorkerLogLevel_None
	default:
		return ms.WorkerLogLevel_Warn
	}
}

func (e *Engine) workerOptions() []ms.Option {
	opts := []ms.Option{ms.WithLogLevel(logLevel(e.opts.LogLevel))}
	if e.opts.RTCMinPort > 0 {
		opts = append(opts, ms.WithRtcMinPort(uint16(e.opts.RTCMinPort)))
	}
	if e.opts.RTCMaxPort > 0 {
		opts = append(opts, ms.WithRtcMaxPort(uint16(e.opts.RTCMaxPort)))
	}
	return opts
}

// NewRouter spawns a worker and creates its router.
func (e *Engine) NewRouter(ctx context.Context) (core.SFURouter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	worker, err := ms.NewWorker(e.workerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	worker.On("died", func(err error) {
		log.Error().Err(err).Str("module", "mediasoup").Msg("worker died")
	})

	router, err := worker.CreateRouter(ms.RouterOptions{MediaCodecs: mediaCodecs})
	if err != nil {
		worker.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}

	e.mu.Lock()
	e.workers = append(e.workers, worker)
	e.mu.Unlock()

	log.Debug().Str("module", "mediasoup").Str("router", router.Id()).Msg("router created")
	return &Router{router: router, worker: worker, listen: e.listenIps()}, nil
}

func (e *Engine) listenIps() []ms.TransportListenIp {
	return []ms.TransportListenIp{{Ip: e.opts.ListenIP, AnnouncedIp: e.opts.AnnouncedIP}}
}

// Close stops every worker still running.
func (e *Engine) Close() {
	e.mu.Lock()
	workers := e.workers
	e.workers = nil
	e.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}

type Router struct {
	router *ms.Router
	worker *ms.Worker
	listen []ms.TransportListenIp
}

func (r *Router) ID() string           { return r.router.Id() }
func (r *Router) RtpCapabilities() any { return r.router.RtpCapabilities() }

func (r *Router) CreateWebRtcTransport(ctx context.Context) (core.SFUTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := r.router.CreateWebRtcTransport(ms.WebRtcTransportOptions{
		ListenIps: r.listen,
		EnableTcp: true,
		PreferUdp: true,
	})
	if err != nil {
		return nil, err
	}
	return &Transport{t: t}, nil
}

func (r *Router) Close() {
	r.router.Close()
	r.worker.Close()
}

type Transport struct {
	t *ms.WebRtcTransport
}

func (t *Transport) ID() string { return t.t.Id() }

func (t *Transport) Parameters() any {
	return map[string]any{
		"id":             t.t.Id(),
		"iceParameters":  t.t.IceParameters(),
		"iceCandidates":  t.t.IceCandidates(),
		"dtlsParameters": t.t.DtlsParameters(),
		"sctpParameters": t.t.SctpParameters(),
	}
}

func (t *Transport) Connect(_ context.Context, dtlsParameters []byte) error {
	var dtls ms.DtlsParameters
	if err := decode(dtlsParameters, &dtls); err != nil {
		return err
	}
	return t.t.Connect(ms.TransportConnectOptions{DtlsParameters: &dtls})
}

func (t *Transport) Produce(_ context.Context, kind string, rtpParameters []byte) (core.SFUProducer, error) {
	mk, err := mediaKind(kind)
	if err != nil {
		return nil, err
	}
	var rtp ms.RtpParameters
	if err := decode(rtpParameters, &rtp); err != nil {
		return nil, err
	}
	p, err := t.t.Produce(ms.ProducerOptions{Kind: mk, RtpParameters: rtp})
	if err != nil {
		return nil, err
	}
	return &Producer{p: p}, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, rtpCapabilities []byte, paused bool) (core.SFUConsumer, error) {
	var caps ms.RtpCapabilities
	if err := decode(rtpCapabilities, &caps); err != nil {
		return nil, err
	}
	c, err := t.t.Consume(ms.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: caps,
		Paused:          paused,
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{c: c}, nil
}

func (t *Transport) Close() { t.t.Close() }

type Producer struct {
	p *ms.Producer
}

func (p *Producer) ID() string    { return p.p.Id() }
func (p *Producer) Kind() string  { return string(p.p.Kind()) }
func (p *Producer) Pause() error  { return p.p.Pause() }
func (p *Producer) Resume() error { return p.p.Resume() }
func (p *Producer) Close()        { p.p.Close() }

type Consumer struct {
	c *ms.Consumer
}

func (c *Consumer) ID() string { return c.c.Id() }

func (c *Consumer) Parameters() any {
	return map[string]any{
		"id":            c.c.Id(),
		"producerId":    c.c.ProducerId(),
		"kind":          c.c.Kind(),
		"rtpParameters": c.c.RtpParameters(),
		"type":          c.c.Type(),
		"paused":        c.c.Paused(),
	}
}

func (c *Consumer) Pause() error  { return c.c.Pause() }
func (c *Consumer) Resume() error { return c.c.Resume() }
func (c *Consumer) Close()        { c.c.Close() }

func mediaKind(kind string) (ms.MediaKind, error) {
	switch kind {
	case "audio":
		return ms.MediaKind_Audio, nil
	case "video":
		return ms.MediaKind_Video, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadKind, kind)
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrBadParameters
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParameters, err)
	}
	return nil
}
