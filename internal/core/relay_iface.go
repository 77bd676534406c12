package core

import (
	"context"

	"github.com/dkeye/StageRouter/internal/domain"
)

type RelayEventKind string

const (
	RelayReady      RelayEventKind = "ready"
	RelayStatus     RelayEventKind = "status"
	RelayLatency    RelayEventKind = "latency"
	RelayConnect    RelayEventKind = "connect"
	RelayDisconnect RelayEventKind = "disconnect"
	// RelayExit is synthesized by the engine when the instance terminates
	// without Stop being called.
	RelayExit RelayEventKind = "exit"
)

// RelayEvent is one telemetry event of a running relay instance. Only the
// fields relevant to Kind are set.
type RelayEvent struct {
	Kind RelayEventKind `json:"event"`

	Port         int     `json:"port,omitempty"`
	Pin          int     `json:"pin,omitempty"`
	ServerJitter float64 `json:"serverJitter,omitempty"`

	Src     int     `json:"src,omitempty"`
	Dst     int     `json:"dest,omitempty"`
	Latency float64 `json:"latency,omitempty"`
	Jitter  float64 `json:"jitter,omitempty"`

	DeviceID int    `json:"deviceId,omitempty"`
	Version  string `json:"version,omitempty"`
	Err      error  `json:"-"`
}

type RelayParams struct {
	StageID  domain.StageID
	Port     int
	Priority int
	// Key is the shared secret clients use to encrypt their stream.
	// Empty for backends without encryption.
	Key string
}

// RelayEngine starts native low-latency relay servers (OV, Jammer).
type RelayEngine interface {
	Start(ctx context.Context, p RelayParams) (RelayInstance, error)
}

// RelayInstance is a running relay server.
type RelayInstance interface {
	// Events is closed after the instance terminated.
	Events() <-chan RelayEvent
	// Stop is idempotent.
	Stop()
}
