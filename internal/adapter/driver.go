// Package adapter implements the backend-neutral media.Adapter contract on
// top of backend.Client hosts: per-(room,host) pipeline bookkeeping,
// element lifecycle and cross-host stream transposition.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/balancer"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// TransposerVideoCodec is the codec cross-host main-video bridges settle on.
const TransposerVideoCodec = "H264"

type pipeKey struct {
	roomID string
	hostID string
}

type pipeline struct {
	key            pipeKey
	id             string
	ready          chan struct{}
	err            error
	activeElements int
}

type elementRef struct {
	unitID string
	pipe   pipeKey
}

// Driver drives one logical backend (possibly many hosts) and implements
// media.Adapter. A composed deployment runs one Driver per media profile.
type Driver struct {
	balancer       *balancer.Balancer
	bus            *events.Bus
	requestTimeout time.Duration

	mu          sync.Mutex
	pipelines   map[pipeKey]*pipeline
	elements    map[string]*elementRef
	transposers map[string]map[string]*transposer // src element -> sink host
	pending     map[string]*transposer            // srcHost|srcElem|sinkHost
	wiredHosts  map[string]bool
}

func NewDriver(b *balancer.Balancer, bus *events.Bus, requestTimeout time.Duration) *Driver {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	d := &Driver{
		balancer:       b,
		bus:            bus,
		requestTimeout: requestTimeout,
		pipelines:      make(map[pipeKey]*pipeline),
		elements:       make(map[string]*elementRef),
		transposers:    make(map[string]map[string]*transposer),
		pending:        make(map[string]*transposer),
		wiredHosts:     make(map[string]bool),
	}
	bus.Subscribe(events.MediaServerOffline, events.GlobalID, func(ev events.Event) {
		if hostID, ok := ev.Data.(string); ok {
			d.purgeHost(hostID)
		}
	})
	return d
}

// callCtx bounds one backend round-trip.
func (d *Driver) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.requestTimeout)
}

// mapErr folds context deadlines into the stable timeout code. No retries
// happen at this layer.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.ErrServerRequestTimeout.WithMessage("%v", err)
	}
	return err
}

// Negotiate creates (or reuses) the room pipeline on a selected host,
// spawns the element for the requested session type and runs the SDP
// exchange. An empty descriptor asks the element to generate an offer.
func (d *Driver) Negotiate(ctx context.Context, req media.NegotiateRequest) ([]*media.Unit, error) {
	host, err := d.pickHost(req)
	if err != nil {
		return nil, err
	}
	d.wireHost(host)

	p, err := d.getOrCreatePipeline(ctx, req.RoomID, host)
	if err != nil {
		return nil, err
	}

	elementID, err := d.createElement(ctx, host, p, elementTypeFor(req.Type), backend.Options{
		URI:              req.Options.URI,
		RecordingPath:    req.Options.RecordingPath,
		Profile:          req.Profile,
		KeyframeInterval: req.Options.KeyframeInterval,
	})
	if err != nil {
		return nil, err
	}

	unit := media.NewUnit(uuid.NewString(), req, host.ID, host.IP, elementID, d, d.bus)
	d.mu.Lock()
	d.elements[elementID] = &elementRef{unitID: unit.ID, pipe: p.key}
	d.mu.Unlock()

	if err := d.negotiateDescriptors(ctx, host, unit, req); err != nil {
		_ = d.Stop(ctx, req.RoomID, unit)
		return nil, err
	}
	if req.Descriptor != "" && !unit.MediaTypes.Audio.Active() && !unit.MediaTypes.Video.Active() && !unit.MediaTypes.Content.Active() {
		// Nothing negotiable came out of the exchange.
		_ = d.Stop(ctx, req.RoomID, unit)
		return nil, nil
	}

	d.balancer.IncrementHostStreams(host.ID, req.Profile)
	d.bus.Publish(events.Event{Kind: events.MediaConnected, Identifier: req.RoomID, Data: unit.Info()})
	log.Info().Str("module", "adapter").Str("room", req.RoomID).Str("host", host.ID).Str("element", elementID).Str("profile", string(req.Profile)).Msg("element negotiated")
	return []*media.Unit{unit}, nil
}

func (d *Driver) negotiateDescriptors(ctx context.Context, host *balancer.Host, unit *media.Unit, req media.NegotiateRequest) error {
	cctx, cancel := d.callCtx(ctx)
	defer cancel()

	switch req.Type {
	case domain.SessionMCU:
		unit.MixerID = unit.ElementID
		return nil
	case domain.SessionRecording, domain.SessionURI:
		// Sink/source elements without an SDP leg of their own.
		return nil
	}

	if req.Descriptor != "" {
		answer, err := host.Client.ProcessOffer(cctx, unit.ElementID, req.Descriptor)
		if err != nil {
			return mapErr(err)
		}
		unit.RemoteDescriptor = req.Descriptor
		unit.LocalDescriptor = answer
	} else {
		offer, err := host.Client.GenerateOffer(cctx, unit.ElementID)
		if err != nil {
			return mapErr(err)
		}
		if req.Options.PlainRTP {
			offer = sdputil.StripForPlainRTP(offer)
		}
		if len(req.Options.Spec.Video) > 0 {
			offer = sdputil.FilterByVideoCodec(offer, req.Options.Spec.Video[0])
		}
		unit.LocalDescriptor = offer
	}

	if req.Type == domain.SessionWebRTC {
		if err := host.Client.GatherCandidates(cctx, unit.ElementID); err != nil {
			return mapErr(err)
		}
	}
	unit.MediaTypes = unitMediaTypes(unit.LocalDescriptor, req.Profile)
	return nil
}

// unitMediaTypes derives the direction matrix, reattributing plain video
// sections to the content kind for content-profile elements.
func unitMediaTypes(body string, profile domain.MediaProfile) domain.MediaTypes {
	mt := sdputil.MediaTypesOf(body)
	if profile == domain.ProfileContent && mt.Video.Active() && !mt.Content.Active() {
		mt.Content = mt.Video
		mt.Video = domain.DirNone
	}
	return mt
}

func elementTypeFor(t domain.SessionType) string {
	switch t {
	case domain.SessionRTP:
		return backend.ElementRTP
	case domain.SessionRecording:
		return backend.ElementRecorder
	case domain.SessionURI:
		return backend.ElementPlayer
	case domain.SessionMCU:
		return backend.ElementMixer
	default:
		return backend.ElementWebRTC
	}
}

func (d *Driver) pickHost(req media.NegotiateRequest) (*balancer.Host, error) {
	if req.Options.HostID != "" {
		if h, ok := d.balancer.RetrieveHost(req.Options.HostID); ok {
			return h, nil
		}
		return nil, errs.ErrServerGenericError.WithMessage("pinned host %s not registered", req.Options.HostID)
	}
	return d.balancer.GetHost(req.Profile)
}

// wireHost registers the backend event fan-in exactly once per host.
func (d *Driver) wireHost(host *balancer.Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wiredHosts[host.ID] {
		return
	}
	d.wiredHosts[host.ID] = true
	host.Client.OnEvent(func(ev backend.Event) {
		d.handleBackendEvent(host.ID, ev)
	})
}

func (d *Driver) handleBackendEvent(hostID string, ev backend.Event) {
	d.mu.Lock()
	ref, ok := d.elements[ev.ElementID]
	d.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case backend.EventIce:
		d.bus.Publish(events.Event{Kind: events.IceCandidate, Identifier: ref.unitID, Data: ev.State})
	case backend.EventDtmf:
		d.bus.Publish(events.Event{Kind: events.MediaDtmf, Identifier: ref.unitID, Data: ev.State})
	case backend.EventEndOfStream:
		d.bus.Publish(events.Event{Kind: events.MediaDisconnected, Identifier: ref.pipe.roomID, Data: domain.MediaInfo{MediaID: ref.unitID, RoomID: ref.pipe.roomID}})
	default:
		d.bus.Publish(events.Event{Kind: events.MediaState, Identifier: ref.unitID, Data: map[string]string{
			"state": ev.State,
			"event": string(ev.Kind),
		}})
	}
}

func (d *Driver) hostOf(u *media.Unit) (*balancer.Host, error) {
	h, ok := d.balancer.RetrieveHost(u.HostID)
	if !ok {
		return nil, errs.ErrServerGenericError.WithMessage("host %s not registered", u.HostID)
	}
	return h, nil
}

// ProcessAnswer feeds a renegotiation answer to the unit's element.
func (d *Driver) ProcessAnswer(ctx context.Context, u *media.Unit, answer string) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.ProcessAnswer(cctx, u.ElementID, answer))
}

func (d *Driver) GatherCandidates(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.GatherCandidates(cctx, u.ElementID))
}

func (d *Driver) AddIceCandidate(ctx context.Context, u *media.Unit, cand webrtc.ICECandidateInit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.AddIceCandidate(cctx, u.ElementID, cand))
}

func (d *Driver) StartRecording(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.StartRecording(cctx, u.ElementID))
}

func (d *Driver) StopRecording(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.StopRecording(cctx, u.ElementID))
}

func (d *Driver) SetVideoFloor(ctx context.Context, u *media.Unit) error {
	if u.MixerID == "" {
		return errs.ErrMediaInvalidOperation.WithMessage("media %s is not mixed", u.ID)
	}
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.SetVideoFloor(cctx, u.MixerID, u.ElementID))
}

func (d *Driver) SetLayoutType(ctx context.Context, u *media.Unit, layout string) error {
	if u.MixerID == "" {
		return errs.ErrMediaInvalidOperation.WithMessage("media %s is not mixed", u.ID)
	}
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.SetLayoutType(cctx, u.MixerID, layout))
}

func (d *Driver) SetVolume(ctx context.Context, u *media.Unit, volume int) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.SetVolume(cctx, u.ElementID, volume))
}

func (d *Driver) Mute(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.Mute(cctx, u.ElementID))
}

func (d *Driver) Unmute(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.Unmute(cctx, u.ElementID))
}

func (d *Driver) RequestKeyframe(ctx context.Context, u *media.Unit) error {
	h, err := d.hostOf(u)
	if err != nil {
		return err
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	return mapErr(h.Client.RequestKeyframe(cctx, u.ElementID))
}
