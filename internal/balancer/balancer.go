// Package balancer owns the media-server host registry: per-profile load
// counters, selection policy and the health probe that broadcasts
// MEDIA_SERVER_OFFLINE. Counters are mutated only here.
package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
)

// Strategy selects how GetHost picks among online hosts.
type Strategy string

const (
	RoundRobin    Strategy = "ROUND_ROBIN"
	MediaAffinity Strategy = "MEDIA_AFFINITY"
)

// Host is one media-server backend. Shared-read by sessions; load and
// online flags are written only under the balancer lock.
type Host struct {
	ID       string
	IP       string
	Client   backend.Client
	Profiles []domain.MediaProfile

	load   map[domain.MediaProfile]int
	online bool
}

func (h *Host) serves(profile domain.MediaProfile) bool {
	if len(h.Profiles) == 0 || profile == domain.ProfileAll {
		return true
	}
	for _, p := range h.Profiles {
		if p == profile || p == domain.ProfileAll {
			return true
		}
	}
	return false
}

func (h *Host) totalLoad() int {
	n := 0
	for _, c := range h.load {
		n += c
	}
	return n
}

type Balancer struct {
	mu       sync.RWMutex
	hosts    []*Host
	byID     map[string]*Host
	cursor   int
	strategy Strategy

	bus         *events.Bus
	probePeriod time.Duration
}

func New(strategy Strategy, probePeriod time.Duration, bus *events.Bus) *Balancer {
	if probePeriod <= 0 {
		probePeriod = 10 * time.Second
	}
	return &Balancer{
		byID:        make(map[string]*Host),
		strategy:    strategy,
		bus:         bus,
		probePeriod: probePeriod,
	}
}

// AddHost registers a host as online.
func (b *Balancer) AddHost(id, ip string, client backend.Client, profiles ...domain.MediaProfile) *Host {
	h := &Host{
		ID:       id,
		IP:       ip,
		Client:   client,
		Profiles: profiles,
		load:     make(map[domain.MediaProfile]int),
		online:   true,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts = append(b.hosts, h)
	b.byID[id] = h
	log.Info().Str("module", "balancer").Str("host", id).Str("ip", ip).Msg("host registered")
	return h
}

// GetHost selects an online host for profile using the configured policy.
func (b *Balancer) GetHost(profile domain.MediaProfile) (*Host, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case MediaAffinity:
		if h := b.leastLoadedLocked(profile); h != nil {
			return h, nil
		}
		// No tagged host: any online host, least loaded.
		if h := b.leastLoadedLocked(domain.ProfileAll); h != nil {
			return h, nil
		}
	default:
		for range b.hosts {
			h := b.hosts[b.cursor%len(b.hosts)]
			b.cursor++
			if h.online {
				return h, nil
			}
		}
	}
	return nil, errs.ErrServerGenericError.WithMessage("no online media server for profile %s", profile)
}

func (b *Balancer) leastLoadedLocked(profile domain.MediaProfile) *Host {
	var best *Host
	for _, h := range b.hosts {
		if !h.online || !h.serves(profile) {
			continue
		}
		if best == nil || h.totalLoad() < best.totalLoad() {
			best = h
		}
	}
	return best
}

// RetrieveHost is a direct lookup by ID.
func (b *Balancer) RetrieveHost(id string) (*Host, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byID[id]
	return h, ok
}

func (b *Balancer) IncrementHostStreams(hostID string, profile domain.MediaProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.byID[hostID]; ok {
		h.load[profile]++
	}
}

func (b *Balancer) DecrementHostStreams(hostID string, profile domain.MediaProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.byID[hostID]; ok && h.load[profile] > 0 {
		h.load[profile]--
	}
}

// HostLoad returns the current stream count for (host, profile).
func (b *Balancer) HostLoad(hostID string, profile domain.MediaProfile) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if h, ok := b.byID[hostID]; ok {
		return h.load[profile]
	}
	return 0
}

// HostOnline reports the last probe verdict for a host.
func (b *Balancer) HostOnline(hostID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byID[hostID]
	return ok && h.online
}

// MarkOffline flags the host and broadcasts MEDIA_SERVER_OFFLINE so that
// consumers purge per-host state.
func (b *Balancer) MarkOffline(hostID string) {
	b.mu.Lock()
	h, ok := b.byID[hostID]
	if !ok || !h.online {
		b.mu.Unlock()
		return
	}
	h.online = false
	h.load = make(map[domain.MediaProfile]int)
	b.mu.Unlock()

	log.Warn().Str("module", "balancer").Str("host", hostID).Msg("media server offline")
	b.bus.Publish(events.Event{Kind: events.MediaServerOffline, Identifier: hostID, Data: hostID})
}

// Probe pings every host until ctx is done, marking failures offline and
// recoveries back online.
func (b *Balancer) Probe(ctx context.Context) {
	ticker := time.NewTicker(b.probePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.RLock()
			hosts := make([]*Host, len(b.hosts))
			copy(hosts, b.hosts)
			b.mu.RUnlock()

			for _, h := range hosts {
				err := h.Client.Ping(ctx)
				b.mu.Lock()
				wasOnline := h.online
				if err == nil && !wasOnline {
					h.online = true
				}
				b.mu.Unlock()
				if err != nil && wasOnline {
					b.MarkOffline(h.ID)
				} else if err == nil && !wasOnline {
					log.Info().Str("module", "balancer").Str("host", h.ID).Msg("media server back online")
				}
			}
		}
	}
}
