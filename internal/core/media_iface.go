package core

import "context"

// SFUEngine spawns media workers, each hosting one router.
type SFUEngine interface {
	NewRouter(ctx context.Context) (SFURouter, error)
}

type SFURouter interface {
	ID() string
	// RtpCapabilities returns the router's media capability descriptor,
	// ready to be serialized to clients.
	RtpCapabilities() any
	CreateWebRtcTransport(ctx context.Context) (SFUTransport, error)
	Close()
}

type SFUTransport interface {
	ID() string
	// Parameters returns what a client needs to set up its side
	// (ICE, DTLS and SCTP parameters).
	Parameters() any
	Connect(ctx context.Context, dtlsParameters []byte) error
	Produce(ctx context.Context, kind string, rtpParameters []byte) (SFUProducer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities []byte, paused bool) (SFUConsumer, error)
	Close()
}

type SFUProducer interface {
	ID() string
	Kind() string
	Pause() error
	Resume() error
	Close()
}

type SFUConsumer interface {
	ID() string
	Parameters() any
	Pause() error
	Resume() error
	Close()
}
