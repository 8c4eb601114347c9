// Package media holds the negotiation entities: the Unit (one m-line worth
// of backend media) and the Session (one offer/answer envelope owning its
// units), plus the DTMF command aggregator.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// Options tunes session creation and negotiation.
type Options struct {
	Name             string
	URI              string
	RecordingPath    string
	Profile          domain.MediaProfile
	PlainRTP         bool
	KeyframeInterval int
	HostID           string

	// Spec locks renegotiations to the codecs a prior exchange settled on.
	Spec sdputil.CodecSpec
}

// NegotiateRequest is one adapter negotiation: descriptor "" asks the
// backend to generate an offer instead of answering one.
type NegotiateRequest struct {
	RoomID     string
	UserID     string
	SessionID  string
	Descriptor string
	Type       domain.SessionType
	Profile    domain.MediaProfile
	Options    Options
}

// Adapter is the backend-neutral contract a session drives. Implementations
// live in internal/adapter; composed deployments hand the session one
// adapter per media profile.
type Adapter interface {
	Negotiate(ctx context.Context, req NegotiateRequest) ([]*Unit, error)
	ProcessAnswer(ctx context.Context, u *Unit, answer string) error
	GatherCandidates(ctx context.Context, u *Unit) error
	AddIceCandidate(ctx context.Context, u *Unit, cand webrtc.ICECandidateInit) error
	Connect(ctx context.Context, src, sink *Unit, kind domain.MediaKind) error
	Disconnect(ctx context.Context, src, sink *Unit, kind domain.MediaKind) error
	StartRecording(ctx context.Context, u *Unit) error
	StopRecording(ctx context.Context, u *Unit) error
	SetVideoFloor(ctx context.Context, u *Unit) error
	SetLayoutType(ctx context.Context, u *Unit, layout string) error
	SetVolume(ctx context.Context, u *Unit, volume int) error
	Mute(ctx context.Context, u *Unit) error
	Unmute(ctx context.Context, u *Unit) error
	RequestKeyframe(ctx context.Context, u *Unit) error
	Stop(ctx context.Context, roomID string, u *Unit) error
}

// Unit is a single backend element bound to one host. It is exclusively
// owned by its session and released with it, or purged when its host goes
// offline.
type Unit struct {
	ID        string
	SessionID string
	RoomID    string
	UserID    string
	Type      domain.SessionType
	Profile   domain.MediaProfile

	HostID    string
	HostIP    string
	ElementID string

	MediaTypes       domain.MediaTypes
	LocalDescriptor  string
	RemoteDescriptor string

	MixerID        string
	Subtitle       string
	EnableSubtitle bool

	adapter Adapter
	bus     *events.Bus
}

// NewUnit binds a freshly created backend element to its owning entities.
// Adapters call this; nothing else constructs units.
func NewUnit(id string, req NegotiateRequest, hostID, hostIP, elementID string, adapter Adapter, bus *events.Bus) *Unit {
	return &Unit{
		ID:        id,
		SessionID: req.SessionID,
		RoomID:    req.RoomID,
		UserID:    req.UserID,
		Type:      req.Type,
		Profile:   req.Profile,
		HostID:    hostID,
		HostIP:    hostIP,
		ElementID: elementID,
		adapter:   adapter,
		bus:       bus,
	}
}

// Info snapshots the unit for the wire.
func (u *Unit) Info() domain.MediaInfo {
	return domain.MediaInfo{
		MediaID:    u.ID,
		SessionID:  u.SessionID,
		UserID:     u.UserID,
		RoomID:     u.RoomID,
		MediaTypes: u.MediaTypes,
	}
}

// HasKind reports whether kind is negotiated and live on this unit.
func (u *Unit) HasKind(kind domain.MediaKind) bool {
	switch kind {
	case domain.KindAudio:
		return u.MediaTypes.Audio.Active()
	case domain.KindVideo:
		return u.MediaTypes.Video.Active()
	case domain.KindContent:
		return u.MediaTypes.Content.Active()
	default:
		return true
	}
}

// Connect wires this unit's output into sink.
func (u *Unit) Connect(ctx context.Context, sink *Unit, kind domain.MediaKind) error {
	return u.adapter.Connect(ctx, u, sink, kind)
}

// Disconnect undoes Connect for the given kind.
func (u *Unit) Disconnect(ctx context.Context, sink *Unit, kind domain.MediaKind) error {
	return u.adapter.Disconnect(ctx, u, sink, kind)
}

// ToggleSubtitle flips the per-media subtitle flag.
func (u *Unit) ToggleSubtitle() {
	u.EnableSubtitle = !u.EnableSubtitle
}

// Release stops the backend element and drops per-host resources.
func (u *Unit) Release(ctx context.Context) error {
	err := u.adapter.Stop(ctx, u.RoomID, u)
	u.bus.Publish(events.Event{Kind: events.MediaDisconnected, Identifier: u.RoomID, Data: u.Info()})
	return err
}
