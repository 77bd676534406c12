package relay

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/dkeye/StageRouter/internal/core"
	"github.com/dkeye/StageRouter/internal/domain"
)

// Profile describes how one relay backend announces itself upstream.
// Backend-owned stage fields are named Prefix+Field, e.g. ovPort.
type Profile struct {
	Type     domain.BackendType
	Prefix   string
	Priority int
	// KeyBytes is the size of the per-stage secret; zero disables it.
	KeyBytes int
	// Telemetry enables republishing of status and latency reports.
	Telemetry bool
}

var (
	OV = Profile{
		Type:      domain.BackendOV,
		Prefix:    "ov",
		Priority:  50,
		Telemetry: true,
	}
	Jammer = Profile{
		Type:     domain.BackendJammer,
		Prefix:   "jammer",
		KeyBytes: 16,
	}
)

// Link is the measured quality between two devices of a stage.
type Link struct {
	Latency float64 `json:"latency"`
	Jitter  float64 `json:"jitter"`
}

func (p Profile) field(name string) string { return p.Prefix + name }

func (p Profile) newKey() (string, error) {
	if p.KeyBytes == 0 {
		return "", nil
	}
	b := make([]byte, p.KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (p Profile) endpoint(u domain.StageUpdate, ipv4, ipv6 string, port int) {
	u[p.field("Ipv4")] = ipv4
	if ipv6 != "" {
		u[p.field("Ipv6")] = ipv6
	}
	u[p.field("Port")] = port
}

func (p Profile) served(u domain.StageUpdate, ipv4, ipv6 string, port int, key string) {
	p.endpoint(u, ipv4, ipv6, port)
	if key != "" {
		u[p.field("Key")] = key
	}
}

func (p Profile) status(u domain.StageUpdate, ev core.RelayEvent) {
	u[p.field("Pin")] = ev.Pin
	u[p.field("ServerJitter")] = ev.ServerJitter
}

func (p Profile) latency(u domain.StageUpdate, ev core.RelayEvent) {
	u[p.field("Latency")] = map[int]map[int]Link{
		ev.Src: {ev.Dst: {Latency: ev.Latency, Jitter: ev.Jitter}},
	}
}

func (p Profile) cleared(u domain.StageUpdate) {
	names := []string{"Ipv4", "Ipv6", "Port"}
	if p.KeyBytes > 0 {
		names = append(names, "Key")
	}
	if p.Telemetry {
		names = append(names, "Pin", "ServerJitter", "Latency")
	}
	for _, name := range names {
		u[p.field(name)] = nil
	}
}
