package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

const audioVideoOffer = "v=0\r\n" +
	"o=- 1 0 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n" +
	"m=video 51372 RTP/AVP 97\r\n" +
	"a=rtpmap:97 H264/90000\r\n" +
	"a=sendrecv\r\n"

const contentSection = "m=video 51374 RTP/AVP 99\r\n" +
	"a=rtpmap:99 H264/90000\r\n" +
	"a=content:slides\r\n" +
	"a=sendonly\r\n"

// fakeAdapter records calls and answers negotiations by echoing the
// descriptor (or serving a canned one).
type fakeAdapter struct {
	bus *events.Bus

	mu             sync.Mutex
	negotiations   []NegotiateRequest
	processAnswers []string
	connects       int
	stops          int
	answerFor      func(req NegotiateRequest) string
}

func newFakeAdapter(bus *events.Bus) *fakeAdapter {
	return &fakeAdapter{bus: bus}
}

func (f *fakeAdapter) Negotiate(_ context.Context, req NegotiateRequest) ([]*Unit, error) {
	f.mu.Lock()
	f.negotiations = append(f.negotiations, req)
	n := len(f.negotiations)
	f.mu.Unlock()

	body := req.Descriptor
	if f.answerFor != nil {
		body = f.answerFor(req)
	}
	if req.Descriptor != "" && body == "" {
		return nil, nil
	}
	u := NewUnit(fmt.Sprintf("unit-%d", n), req, "h1", "10.0.0.1", fmt.Sprintf("elem-%d", n), f, f.bus)
	u.LocalDescriptor = body
	u.RemoteDescriptor = req.Descriptor
	u.MediaTypes = sdputil.MediaTypesOf(body)
	return []*Unit{u}, nil
}

func (f *fakeAdapter) ProcessAnswer(_ context.Context, u *Unit, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processAnswers = append(f.processAnswers, answer)
	return nil
}

func (f *fakeAdapter) GatherCandidates(context.Context, *Unit) error { return nil }
func (f *fakeAdapter) AddIceCandidate(context.Context, *Unit, webrtc.ICECandidateInit) error {
	return nil
}

func (f *fakeAdapter) Connect(_ context.Context, _, _ *Unit, _ domain.MediaKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeAdapter) Disconnect(context.Context, *Unit, *Unit, domain.MediaKind) error { return nil }
func (f *fakeAdapter) StartRecording(context.Context, *Unit) error                      { return nil }
func (f *fakeAdapter) StopRecording(context.Context, *Unit) error                       { return nil }
func (f *fakeAdapter) SetVideoFloor(context.Context, *Unit) error                       { return nil }
func (f *fakeAdapter) SetLayoutType(context.Context, *Unit, string) error               { return nil }
func (f *fakeAdapter) SetVolume(context.Context, *Unit, int) error                      { return nil }
func (f *fakeAdapter) Mute(context.Context, *Unit) error                                { return nil }
func (f *fakeAdapter) Unmute(context.Context, *Unit) error                              { return nil }
func (f *fakeAdapter) RequestKeyframe(context.Context, *Unit) error                     { return nil }

func (f *fakeAdapter) Stop(_ context.Context, _ string, _ *Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAdapter) negotiationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.negotiations)
}

func newTestSession(t *testing.T, fake *fakeAdapter, bus *events.Bus) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		RoomID:   "room-1",
		UserID:   "user-1",
		Type:     domain.SessionWebRTC,
		Adapters: map[domain.MediaProfile]Adapter{domain.ProfileAll: fake},
		Bus:      bus,
	})
	require.NoError(t, err)
	return s
}

func TestRoleUnsetMeansAtMostOneDescriptor(t *testing.T) {
	bus := events.NewBus()
	s := newTestSession(t, newFakeAdapter(bus), bus)

	require.Equal(t, domain.RoleNone, s.Role())
	require.Empty(t, s.RemoteDescriptor())
	require.Empty(t, s.LocalDescriptor())
}

func TestRoleAnswererOnFirstRemote(t *testing.T) {
	bus := events.NewBus()
	s := newTestSession(t, newFakeAdapter(bus), bus)

	asAnswerer, renegotiate := s.SetRemoteDescriptor(audioVideoOffer)
	require.False(t, asAnswerer)
	require.False(t, renegotiate)
	require.Equal(t, domain.RoleAnswerer, s.Role())

	// Role never flips.
	s.SetLocalDescriptor("v=0\r\n")
	require.Equal(t, domain.RoleAnswerer, s.Role())
}

func TestRoleOffererOnFirstLocal(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	fake.answerFor = func(NegotiateRequest) string { return audioVideoOffer }
	s := newTestSession(t, fake, bus)

	offer, err := s.Process(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, offer)
	require.Equal(t, domain.RoleOfferer, s.Role())
}

func TestAnswererProcessEmitsNegotiated(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	s := newTestSession(t, fake, bus)

	negotiated := 0
	bus.Subscribe(events.MediaNegotiated, s.ID, func(events.Event) { negotiated++ })

	s.SetRemoteDescriptor(audioVideoOffer)
	answer, err := s.Process(context.Background())
	require.NoError(t, err)
	require.Contains(t, answer, "m=audio")
	require.Equal(t, 1, negotiated)
	require.Len(t, s.Medias(), 1)
	require.Equal(t, domain.DirSendRecv, s.MediaTypes().Audio)
}

func TestProcessIdempotentWithoutFlags(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	s := newTestSession(t, fake, bus)

	s.SetRemoteDescriptor(audioVideoOffer)
	first, err := s.Process(context.Background())
	require.NoError(t, err)
	second, err := s.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, fake.negotiationCount(), "no second negotiation round trip")
}

func TestNoAvailableCodec(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	fake.answerFor = func(NegotiateRequest) string { return "" }
	s := newTestSession(t, fake, bus)

	s.SetRemoteDescriptor(audioVideoOffer)
	_, err := s.Process(context.Background())
	require.ErrorIs(t, err, errs.ErrMediaNoAvailableCodec)
}

func TestCodecParityMismatch(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	fake.answerFor = func(NegotiateRequest) string { return sdputil.GetAudioSDP(audioVideoOffer) }
	s := newTestSession(t, fake, bus)

	s.SetRemoteDescriptor(audioVideoOffer)
	_, err := s.Process(context.Background())
	require.ErrorIs(t, err, errs.ErrMediaNoAvailableCodec)
}

func TestOffererAnswerTransition(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	fake.answerFor = func(NegotiateRequest) string { return audioVideoOffer }
	s := newTestSession(t, fake, bus)

	negotiated := 0
	bus.Subscribe(events.MediaNegotiated, s.ID, func(events.Event) { negotiated++ })

	_, err := s.Process(context.Background())
	require.NoError(t, err)
	require.Zero(t, negotiated, "offerer does not emit before the answer lands")

	asAnswerer, renegotiate := s.SetRemoteDescriptor(audioVideoOffer)
	require.True(t, asAnswerer)
	require.False(t, renegotiate)
	require.Equal(t, 1, negotiated, "emitted on the false->true transition")

	// The answer is consumed on the next process.
	_, err = s.Process(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, fake.processAnswers)

	// A further remote on a settled session flags a renegotiation.
	_, renegotiate = s.SetRemoteDescriptor(audioVideoOffer)
	require.True(t, renegotiate)
}

func TestRenegotiationAddsContentOnly(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	s := newTestSession(t, fake, bus)

	s.SetRemoteDescriptor(audioVideoOffer)
	_, err := s.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fake.negotiationCount())

	s.SetRemoteDescriptor(audioVideoOffer + contentSection)
	local, err := s.Process(context.Background())
	require.NoError(t, err)

	// One extra negotiation, scoped to the content partial.
	require.Equal(t, 2, fake.negotiationCount())
	contentReq := fake.negotiations[1]
	require.Equal(t, domain.ProfileContent, contentReq.Profile)
	require.Contains(t, contentReq.Descriptor, "content:slides")
	require.NotContains(t, contentReq.Descriptor, "m=audio")

	// Audio and video stayed on their element, answered in place.
	require.Len(t, fake.processAnswers, 2)
	require.Len(t, s.Medias(), 2)
	require.Contains(t, local, "m=audio")
	require.Contains(t, local, "content:slides")
}

func TestStopReleasesUnitsOnce(t *testing.T) {
	bus := events.NewBus()
	fake := newFakeAdapter(bus)
	s := newTestSession(t, fake, bus)

	s.SetRemoteDescriptor(audioVideoOffer)
	_, err := s.Process(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, 1, fake.stops)
	require.Empty(t, s.Medias())
}

func TestReassemblyAudioFirst(t *testing.T) {
	bus := events.NewBus()
	audioFake := newFakeAdapter(bus)
	videoFake := newFakeAdapter(bus)

	s, err := NewSession(SessionConfig{
		RoomID: "room-1",
		UserID: "user-1",
		Type:   domain.SessionWebRTC,
		Adapters: map[domain.MediaProfile]Adapter{
			domain.ProfileAudio: audioFake,
			domain.ProfileMain:  videoFake,
		},
		Bus: bus,
	})
	require.NoError(t, err)

	s.SetRemoteDescriptor(audioVideoOffer)
	answer, err := s.Process(context.Background())
	require.NoError(t, err)

	audioIdx := strings.Index(answer, "m=audio")
	videoIdx := strings.Index(answer, "m=video")
	require.GreaterOrEqual(t, audioIdx, 0)
	require.GreaterOrEqual(t, videoIdx, 0)
	require.Less(t, audioIdx, videoIdx, "audio partial leads the reassembled answer")
	require.Equal(t, 1, strings.Count(answer, "v=0"), "single session header")
	require.Equal(t, 1, audioFake.negotiationCount())
	require.Equal(t, 1, videoFake.negotiationCount())
}
