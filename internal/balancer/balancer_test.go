package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
)

func newTestBalancer(strategy Strategy) (*Balancer, *events.Bus) {
	bus := events.NewBus()
	return New(strategy, time.Second, bus), bus
}

func TestRoundRobinCyclesOnlineHosts(t *testing.T) {
	b, _ := newTestBalancer(RoundRobin)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))
	b.AddHost("h2", "10.0.0.2", backend.NewLoopback("10.0.0.2"))

	first, err := b.GetHost(domain.ProfileMain)
	require.NoError(t, err)
	second, err := b.GetHost(domain.ProfileMain)
	require.NoError(t, err)
	third, err := b.GetHost(domain.ProfileMain)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.ID, third.ID)
}

func TestRoundRobinSkipsOffline(t *testing.T) {
	b, _ := newTestBalancer(RoundRobin)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))
	b.AddHost("h2", "10.0.0.2", backend.NewLoopback("10.0.0.2"))
	b.MarkOffline("h1")

	for range 3 {
		h, err := b.GetHost(domain.ProfileAudio)
		require.NoError(t, err)
		require.Equal(t, "h2", h.ID)
	}
}

func TestNoOnlineHosts(t *testing.T) {
	b, _ := newTestBalancer(RoundRobin)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))
	b.MarkOffline("h1")
	_, err := b.GetHost(domain.ProfileMain)
	require.Error(t, err)
}

func TestMediaAffinityPrefersTaggedHost(t *testing.T) {
	b, _ := newTestBalancer(MediaAffinity)
	b.AddHost("audio-1", "10.0.0.1", backend.NewLoopback("10.0.0.1"), domain.ProfileAudio)
	b.AddHost("video-1", "10.0.0.2", backend.NewLoopback("10.0.0.2"), domain.ProfileMain)

	h, err := b.GetHost(domain.ProfileAudio)
	require.NoError(t, err)
	require.Equal(t, "audio-1", h.ID)

	h, err = b.GetHost(domain.ProfileMain)
	require.NoError(t, err)
	require.Equal(t, "video-1", h.ID)
}

func TestMediaAffinityFallsBackToLeastLoaded(t *testing.T) {
	b, _ := newTestBalancer(MediaAffinity)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))
	b.AddHost("h2", "10.0.0.2", backend.NewLoopback("10.0.0.2"))
	b.IncrementHostStreams("h1", domain.ProfileMain)
	b.IncrementHostStreams("h1", domain.ProfileMain)
	b.IncrementHostStreams("h2", domain.ProfileMain)

	h, err := b.GetHost(domain.ProfileContent)
	require.NoError(t, err)
	require.Equal(t, "h2", h.ID)
}

func TestStreamCounters(t *testing.T) {
	b, _ := newTestBalancer(RoundRobin)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))

	b.IncrementHostStreams("h1", domain.ProfileAudio)
	b.IncrementHostStreams("h1", domain.ProfileAudio)
	b.DecrementHostStreams("h1", domain.ProfileAudio)
	require.Equal(t, 1, b.HostLoad("h1", domain.ProfileAudio))

	// Never goes negative.
	b.DecrementHostStreams("h1", domain.ProfileAudio)
	b.DecrementHostStreams("h1", domain.ProfileAudio)
	require.Equal(t, 0, b.HostLoad("h1", domain.ProfileAudio))
}

func TestMarkOfflineBroadcasts(t *testing.T) {
	b, bus := newTestBalancer(RoundRobin)
	b.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))

	var gone []string
	bus.Subscribe(events.MediaServerOffline, events.GlobalID, func(ev events.Event) {
		gone = append(gone, ev.Data.(string))
	})

	b.MarkOffline("h1")
	b.MarkOffline("h1") // second call is a no-op
	require.Equal(t, []string{"h1"}, gone)

	_, ok := b.RetrieveHost("h1")
	require.True(t, ok, "offline hosts stay retrievable")
}
