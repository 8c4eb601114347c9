package adapter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/balancer"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// recClient wraps the loopback driver and records the calls the adapter
// issues against one host.
type recClient struct {
	*backend.Loopback

	mu             sync.Mutex
	calls          []string
	processOffers  []string
	processAnswers []string
	connects       [][2]string
	createDelay    time.Duration
}

func newRecClient(ip string) *recClient {
	return &recClient{Loopback: backend.NewLoopback(ip)}
}

func (c *recClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *recClient) count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.calls {
		if got == call {
			n++
		}
	}
	return n
}

func (c *recClient) CreatePipeline(ctx context.Context, roomID string) (string, error) {
	if c.createDelay > 0 {
		time.Sleep(c.createDelay)
	}
	c.record("CreatePipeline")
	return c.Loopback.CreatePipeline(ctx, roomID)
}

func (c *recClient) ReleasePipeline(ctx context.Context, pipelineID string) error {
	c.record("ReleasePipeline")
	return c.Loopback.ReleasePipeline(ctx, pipelineID)
}

func (c *recClient) CreateElement(ctx context.Context, pipelineID, elementType string, opts backend.Options) (string, error) {
	c.record("CreateElement:" + elementType)
	return c.Loopback.CreateElement(ctx, pipelineID, elementType, opts)
}

func (c *recClient) ReleaseElement(ctx context.Context, elementID string) error {
	c.record("ReleaseElement")
	return c.Loopback.ReleaseElement(ctx, elementID)
}

func (c *recClient) GenerateOffer(ctx context.Context, elementID string) (string, error) {
	c.record("GenerateOffer")
	return c.Loopback.GenerateOffer(ctx, elementID)
}

func (c *recClient) ProcessOffer(ctx context.Context, elementID, offer string) (string, error) {
	c.record("ProcessOffer")
	c.mu.Lock()
	c.processOffers = append(c.processOffers, offer)
	c.mu.Unlock()
	return c.Loopback.ProcessOffer(ctx, elementID, offer)
}

func (c *recClient) ProcessAnswer(ctx context.Context, elementID, answer string) error {
	c.record("ProcessAnswer")
	c.mu.Lock()
	c.processAnswers = append(c.processAnswers, answer)
	c.mu.Unlock()
	return c.Loopback.ProcessAnswer(ctx, elementID, answer)
}

func (c *recClient) Connect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error {
	c.record("Connect")
	c.mu.Lock()
	c.connects = append(c.connects, [2]string{srcID, sinkID})
	c.mu.Unlock()
	return c.Loopback.Connect(ctx, srcID, sinkID, kind)
}

func (c *recClient) Disconnect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error {
	c.record("Disconnect")
	return c.Loopback.Disconnect(ctx, srcID, sinkID, kind)
}

type harness struct {
	bus    *events.Bus
	bal    *balancer.Balancer
	driver *Driver
	h1, h2 *recClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus()
	bal := balancer.New(balancer.RoundRobin, time.Minute, bus)
	h1 := newRecClient("10.0.0.1")
	h2 := newRecClient("10.0.0.2")
	bal.AddHost("h1", "10.0.0.1", h1)
	bal.AddHost("h2", "10.0.0.2", h2)
	return &harness{
		bus:    bus,
		bal:    bal,
		driver: NewDriver(bal, bus, 5*time.Second),
		h1:     h1,
		h2:     h2,
	}
}

const testOffer = "v=0\r\n" +
	"o=- 1 0 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n" +
	"m=video 51372 RTP/AVP 97\r\n" +
	"a=rtpmap:97 H264/90000\r\n" +
	"a=sendrecv\r\n"

func (h *harness) negotiate(t *testing.T, roomID, hostID string) *media.Unit {
	t.Helper()
	units, err := h.driver.Negotiate(context.Background(), media.NegotiateRequest{
		RoomID:     roomID,
		UserID:     "user-1",
		SessionID:  "session-1",
		Descriptor: testOffer,
		Type:       domain.SessionWebRTC,
		Profile:    domain.ProfileMain,
		Options:    media.Options{HostID: hostID},
	})
	require.NoError(t, err)
	require.Len(t, units, 1)
	return units[0]
}

func TestPipelinePerRoomAndHost(t *testing.T) {
	h := newHarness(t)
	u1 := h.negotiate(t, "room-1", "h1")
	u2 := h.negotiate(t, "room-1", "h1")

	require.Equal(t, 1, h.h1.count("CreatePipeline"), "one pipeline per (room, host)")

	// Releasing the first element keeps the pipeline alive.
	require.NoError(t, h.driver.Stop(context.Background(), "room-1", u1))
	require.Zero(t, h.h1.count("ReleasePipeline"))

	// Draining it releases the pipeline, and the next create starts fresh.
	require.NoError(t, h.driver.Stop(context.Background(), "room-1", u2))
	require.Equal(t, 1, h.h1.count("ReleasePipeline"))

	h.negotiate(t, "room-1", "h1")
	require.Equal(t, 2, h.h1.count("CreatePipeline"))

	h.h1.mu.Lock()
	calls := strings.Join(h.h1.calls, ",")
	h.h1.mu.Unlock()
	require.Less(t, strings.Index(calls, "ReleasePipeline"), strings.LastIndex(calls, "CreatePipeline"),
		"pipeline released before the next create for the same key")
}

func TestPipelineCreationCoalesces(t *testing.T) {
	h := newHarness(t)
	h.h1.createDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errc := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.driver.Negotiate(context.Background(), media.NegotiateRequest{
				RoomID:     "room-1",
				UserID:     "user-1",
				SessionID:  "session-1",
				Descriptor: testOffer,
				Type:       domain.SessionWebRTC,
				Profile:    domain.ProfileMain,
				Options:    media.Options{HostID: "h1"},
			})
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.h1.count("CreatePipeline"), "concurrent first requests share one creation")
	require.Equal(t, 8, h.h1.count("CreateElement:"+backend.ElementWebRTC))
}

func TestCrossHostConnectBuildsTransposerPair(t *testing.T) {
	h := newHarness(t)
	src := h.negotiate(t, "room-1", "h1")
	sink := h.negotiate(t, "room-1", "h2")
	offersBefore := h.h2.count("ProcessOffer")

	require.NoError(t, h.driver.Connect(context.Background(), src, sink, domain.KindVideo))

	require.Equal(t, 1, h.h1.count("CreateElement:"+backend.ElementRTP))
	require.Equal(t, 1, h.h2.count("CreateElement:"+backend.ElementRTP))
	require.Equal(t, 1, h.h1.count("GenerateOffer"))
	require.Equal(t, offersBefore+1, h.h2.count("ProcessOffer"))
	require.Equal(t, 1, h.h1.count("ProcessAnswer"))

	// The offer crosses with the source host's address, the answer with
	// the sink host's.
	bridgeOffer := h.h2.processOffers[len(h.h2.processOffers)-1]
	require.Contains(t, bridgeOffer, "c=IN IP4 10.0.0.1")
	require.Contains(t, h.h1.processAnswers[0], "c=IN IP4 10.0.0.2")

	// src -> source transposer on h1, sink transposer -> sink on h2.
	require.Equal(t, 1, h.h1.count("Connect"))
	require.Equal(t, 1, h.h2.count("Connect"))

	// One negotiated element per host plus the bridge on each side.
	require.Equal(t, 2, h.bal.HostLoad("h1", domain.ProfileMain))
	require.Equal(t, 2, h.bal.HostLoad("h2", domain.ProfileMain))
}

func TestCrossHostSecondSinkReusesTransposer(t *testing.T) {
	h := newHarness(t)
	src := h.negotiate(t, "room-1", "h1")
	sink1 := h.negotiate(t, "room-1", "h2")
	sink2 := h.negotiate(t, "room-1", "h2")

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	for _, sink := range []*media.Unit{sink1, sink2} {
		wg.Add(1)
		go func(sink *media.Unit) {
			defer wg.Done()
			errc <- h.driver.Connect(context.Background(), src, sink, domain.KindVideo)
		}(sink)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.h1.count("CreateElement:"+backend.ElementRTP), "one source transposer")
	require.Equal(t, 1, h.h2.count("CreateElement:"+backend.ElementRTP), "one sink transposer")
	require.Equal(t, 1, h.h1.count("GenerateOffer"))
	require.Equal(t, 2, h.h2.count("Connect"), "each sink connects once")
}

func TestCrossHostDisconnectKeepsSourceSide(t *testing.T) {
	h := newHarness(t)
	src := h.negotiate(t, "room-1", "h1")
	sink := h.negotiate(t, "room-1", "h2")

	require.NoError(t, h.driver.Connect(context.Background(), src, sink, domain.KindVideo))
	require.NoError(t, h.driver.Disconnect(context.Background(), src, sink, domain.KindVideo))

	require.Equal(t, 1, h.h2.count("Disconnect"), "only the sink side detaches")
	require.Zero(t, h.h1.count("ReleaseElement"), "source transposer survives")

	// Releasing the source tears the whole bridge down.
	require.NoError(t, h.driver.Stop(context.Background(), "room-1", src))
	require.GreaterOrEqual(t, h.h1.count("ReleaseElement"), 2, "source element and its transposer released")
	require.GreaterOrEqual(t, h.h2.count("ReleaseElement"), 1, "remote transposer released")
}

func TestHostOfflinePurgesWithoutRoundTrips(t *testing.T) {
	h := newHarness(t)
	u := h.negotiate(t, "room-1", "h1")

	h.bal.MarkOffline("h1")

	before := h.h1.count("ReleaseElement") + h.h1.count("ReleasePipeline")
	require.NoError(t, h.driver.Stop(context.Background(), "room-1", u))
	after := h.h1.count("ReleaseElement") + h.h1.count("ReleasePipeline")
	require.Equal(t, before, after, "no backend round-trips for an offline host")
}

func TestSameHostConnect(t *testing.T) {
	h := newHarness(t)
	src := h.negotiate(t, "room-1", "h1")
	sink := h.negotiate(t, "room-1", "h1")

	require.NoError(t, h.driver.Connect(context.Background(), src, sink, domain.KindAll))
	require.Equal(t, 1, h.h1.count("Connect"))
	require.Zero(t, h.h1.count("CreateElement:"+backend.ElementRTP), "no transposer on the same host")
}
