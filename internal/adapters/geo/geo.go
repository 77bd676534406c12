// Package geo works out how this node presents itself to the orchestrator:
// its public addresses and where it is located.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/StageRouter/internal/config"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/goccy/go-json"
	"github.com/imdario/mergo"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog/log"
)

var ErrNoMappedAddress = errors.New("stun: no mapped address")

// Location is the subset of an iplocate lookup the descriptor needs.
type Location struct {
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

type Resolver struct {
	StunServer string
	GeoURL     string
	Client     *http.Client
	Timeout    time.Duration
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		StunServer: cfg.StunServer,
		GeoURL:     cfg.GeoURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Timeout:    10 * time.Second,
	}
}

// PublicIP asks the STUN server for this host's reflexive address.
// network is "udp4" or "udp6".
func (r *Resolver) PublicIP(ctx context.Context, network string) (string, error) {
	c, err := stun.Dial(network, r.StunServer)
	if err != nil {
		return "", fmt.Errorf("stun dial %s: %w", r.StunServer, err)
	}
	defer c.Close()

	type result struct {
		ip  string
		err error
	}
	res := make(chan result, 1)
	go func() {
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var out result
		err := c.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				out.err = ev.Error
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				out.err = fmt.Errorf("%w: %v", ErrNoMappedAddress, err)
				return
			}
			out.ip = xor.IP.String()
		})
		if err != nil {
			out.err = err
		}
		res <- out
	}()

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	select {
	case out := <-res:
		return out.ip, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Locate looks up the location of ip.
func (r *Resolver) Locate(ctx context.Context, ip string) (Location, error) {
	var loc Location
	url := strings.TrimSuffix(r.GeoURL, "/") + "/" + ip
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return loc, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return loc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return loc, fmt.Errorf("geo lookup: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return loc, fmt.Errorf("geo lookup: %w", err)
	}
	return loc, nil
}

// Describe builds the router descriptor. Configured values win over
// discovered ones; a failed location lookup only leaves fields empty.
func (r *Resolver) Describe(ctx context.Context, cfg *config.Config) (domain.RouterDescriptor, error) {
	ipv4 := cfg.IPv4
	if ipv4 == "" {
		ip, err := r.PublicIP(ctx, "udp4")
		if err != nil {
			return domain.RouterDescriptor{}, fmt.Errorf("public ipv4: %w", err)
		}
		ipv4 = ip
	}
	var ipv6 string
	if cfg.UseIPv6 {
		ipv6 = cfg.IPv6
		if ipv6 == "" {
			ip, err := r.PublicIP(ctx, "udp6")
			if err != nil {
				return domain.RouterDescriptor{}, fmt.Errorf("public ipv6: %w", err)
			}
			ipv6 = ip
		}
	}

	rtc := config.Slots(cfg.RTCMinPort, cfg.RTCMaxPort)
	ov := config.Slots(cfg.OVMinPort, cfg.OVMaxPort)
	jammer := config.Slots(cfg.JammerMinPort, cfg.JammerMaxPort)
	desc := domain.RouterDescriptor{
		WSPrefix:             cfg.WSPrefix,
		RestPrefix:           cfg.RestPrefix,
		URL:                  cfg.Domain,
		Path:                 cfg.RootPath,
		IPv4:                 ipv4,
		IPv6:                 ipv6,
		Port:                 cfg.PublicPort,
		AvailableRTCSlots:    rtc,
		AvailableOVSlots:     ov,
		AvailableJammerSlots: jammer,
		CountryCode:          cfg.CountryCode,
		City:                 cfg.City,
		Position:             domain.Position{Lat: cfg.Latitude, Lng: cfg.Longitude},
		Types: map[domain.BackendType]int{
			domain.BackendMediasoup: rtc,
			domain.BackendOV:        ov,
			domain.BackendJammer:    jammer,
		},
	}

	if desc.CountryCode != "" && desc.City != "" && desc.Position.Lat != 0 && desc.Position.Lng != 0 {
		return desc, nil
	}
	loc, err := r.Locate(ctx, ipv4)
	if err != nil {
		log.Warn().Err(err).Str("module", "geo").Str("ip", ipv4).Msg("location lookup failed")
		return desc, nil
	}
	if err := mergo.Merge(&desc, loc.descriptor()); err != nil {
		return desc, fmt.Errorf("merge location: %w", err)
	}
	log.Info().Str("module", "geo").Str("country", desc.CountryCode).Str("city", desc.City).Msg("located")
	return desc, nil
}

func (l Location) descriptor() domain.RouterDescriptor {
	return domain.RouterDescriptor{
		CountryCode: l.CountryCode,
		City:        l.City,
		Position:    domain.Position{Lat: l.Latitude, Lng: l.Longitude},
	}
}
