// Package backend defines the semantic contract of a media-server driver.
// The orchestrator only ever talks to one of these; element identifiers are
// opaque and never parsed.
package backend

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
)

// Element type names understood by the drivers.
const (
	ElementWebRTC   = "WebRtcEndpoint"
	ElementRTP      = "RtpEndpoint"
	ElementRecorder = "RecorderEndpoint"
	ElementPlayer   = "PlayerEndpoint"
	ElementMixer    = "Composite"
)

// EventKind names a backend element event.
type EventKind string

const (
	EventStateChanged EventKind = "MEDIA_STATE.CHANGED"
	EventFlowIn       EventKind = "MEDIA_STATE.FLOW_IN"
	EventFlowOut      EventKind = "MEDIA_STATE.FLOW_OUT"
	EventIce          EventKind = "MEDIA_STATE.ICE"
	EventEndOfStream  EventKind = "MEDIA_STATE.ENDOFSTREAM"
	EventDtmf         EventKind = "MEDIA_DTMF"
	EventTransposed   EventKind = "ELEMENT_TRANSPOSED"
)

// Event is one element-scoped occurrence raised by a driver.
type Event struct {
	Kind      EventKind
	ElementID string
	// State carries the new flow state, the serialized ICE candidate or
	// the DTMF tone, depending on Kind.
	State string
}

// EventHandler receives driver events. Handlers are invoked on the driver's
// callback goroutine and must not block.
type EventHandler func(Event)

// Options tunes element creation.
type Options struct {
	URI              string
	RecordingPath    string
	Profile          domain.MediaProfile
	KeyframeInterval int
}

// Client drives one media-server host. Every call observes ctx; request
// timeouts surface as errs.ErrServerRequestTimeout and are not retried here.
type Client interface {
	CreatePipeline(ctx context.Context, roomID string) (pipelineID string, err error)
	ReleasePipeline(ctx context.Context, pipelineID string) error

	CreateElement(ctx context.Context, pipelineID, elementType string, opts Options) (elementID string, err error)
	ReleaseElement(ctx context.Context, elementID string) error

	ProcessOffer(ctx context.Context, elementID, offer string) (answer string, err error)
	ProcessAnswer(ctx context.Context, elementID, answer string) error
	GenerateOffer(ctx context.Context, elementID string) (offer string, err error)
	GatherCandidates(ctx context.Context, elementID string) error
	AddIceCandidate(ctx context.Context, elementID string, cand webrtc.ICECandidateInit) error

	Connect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error
	Disconnect(ctx context.Context, srcID, sinkID string, kind domain.MediaKind) error

	StartRecording(ctx context.Context, elementID string) error
	StopRecording(ctx context.Context, elementID string) error

	SetVideoFloor(ctx context.Context, mixerID, elementID string) error
	SetLayoutType(ctx context.Context, mixerID, layout string) error

	SetVolume(ctx context.Context, elementID string, volume int) error
	Mute(ctx context.Context, elementID string) error
	Unmute(ctx context.Context, elementID string) error
	RequestKeyframe(ctx context.Context, elementID string) error

	// OnEvent registers the single consumer of this host's element events.
	OnEvent(h EventHandler)

	// Ping is the balancer health probe.
	Ping(ctx context.Context) error
}
