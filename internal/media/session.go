package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// negotiation order: audio answers always lead the reassembled body.
var profileOrder = []domain.MediaProfile{domain.ProfileAudio, domain.ProfileMain, domain.ProfileContent}

// Session is one negotiation envelope: the units produced by a single
// offer/answer exchange plus the role/renegotiation state machine.
//
// Two locks: opMu serializes the client-facing operations (Process,
// ConnectTo, DisconnectFrom, AddIceCandidate, Stop) in arrival order and is
// held across their backend calls, so a suspended operation never
// interleaves with another on the same session. mu guards field access;
// Process also holds it across its negotiation, backend calls included, while
// the other operations take it only for short field reads and writes. Peer
// sessions' mu may be taken under opMu, but never another session's opMu.
type Session struct {
	ID      string
	Name    string
	RoomID  string
	UserID  string
	Type    domain.SessionType
	Profile domain.MediaProfile
	Options Options

	opMu   sync.Mutex
	mu     sync.Mutex
	medias []*Unit

	role                          domain.NegotiationRole
	shouldRenegotiate             bool
	shouldProcessRemoteAsAnswerer bool
	remoteDescriptor              string
	localDescriptor               string

	mediaTypes domain.MediaTypes
	spec       sdputil.CodecSpec

	adapters map[domain.MediaProfile]Adapter
	bus      *events.Bus

	dtmf        *DtmfAggregator
	dtmfCancels []func()
	stopped     bool
}

// SessionConfig carries the collaborators a session needs.
type SessionConfig struct {
	RoomID   string
	UserID   string
	Type     domain.SessionType
	Options  Options
	Adapters map[domain.MediaProfile]Adapter
	Bus      *events.Bus

	DtmfTimeout time.Duration
	DtmfLength  int
}

func newSession(cfg SessionConfig) *Session {
	profile := cfg.Options.Profile
	if profile == "" {
		profile = domain.ProfileAll
	}
	s := &Session{
		ID:       uuid.NewString(),
		Name:     cfg.Options.Name,
		RoomID:   cfg.RoomID,
		UserID:   cfg.UserID,
		Type:     cfg.Type,
		Profile:  profile,
		Options:  cfg.Options,
		adapters: cfg.Adapters,
		bus:      cfg.Bus,
	}
	s.dtmf = NewDtmfAggregator(cfg.DtmfTimeout, cfg.DtmfLength, DtmfActions{
		SetVideoFloor:        s.dtmfSetVideoFloor,
		SetLayout:            s.dtmfSetLayout,
		ToggleSubtitleGlobal: s.dtmfToggleSubtitleGlobal,
		ToggleSubtitleMedia:  s.dtmfToggleSubtitleMedia,
	})
	return s
}

func (s *Session) Role() domain.NegotiationRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Medias() []*Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Unit, len(s.medias))
	copy(out, s.medias)
	return out
}

func (s *Session) MediaTypes() domain.MediaTypes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaTypes
}

// SetRemoteDescriptor drives the role state machine. The returned flags
// report the transitions it caused: answering an outstanding offer, or a
// full renegotiation.
func (s *Session) SetRemoteDescriptor(body string) (processAsAnswerer, renegotiate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.localDescriptor == "" && s.remoteDescriptor == "":
		s.role = domain.RoleAnswerer
	case s.localDescriptor != "" && s.remoteDescriptor == "":
		if !s.shouldProcessRemoteAsAnswerer {
			s.shouldProcessRemoteAsAnswerer = true
			// The offerer's negotiation completes when its answer lands.
			s.bus.Publish(events.Event{Kind: events.MediaNegotiated, Identifier: s.ID, Data: s.infoLocked()})
		}
	case s.localDescriptor != "" && s.remoteDescriptor != "":
		s.shouldRenegotiate = true
	}
	s.remoteDescriptor = body
	return s.shouldProcessRemoteAsAnswerer, s.shouldRenegotiate
}

// SetLocalDescriptor fixes the OFFERER role when no remote exists yet.
func (s *Session) SetLocalDescriptor(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteDescriptor == "" && s.localDescriptor == "" {
		s.role = domain.RoleOfferer
	}
	s.localDescriptor = body
}

func (s *Session) RemoteDescriptor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDescriptor
}

func (s *Session) LocalDescriptor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescriptor
}

// Process runs the negotiation and returns the local description: the
// answer when a remote offer is set, a generated offer otherwise. Repeated
// calls with no pending flags return the settled local description.
func (s *Session) Process(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shouldRenegotiate || s.shouldProcessRemoteAsAnswerer {
		return s.renegotiateLocked(ctx)
	}
	if s.localDescriptor != "" && len(s.medias) > 0 {
		return s.localDescriptor, nil
	}
	return s.negotiateLocked(ctx)
}

func (s *Session) negotiateLocked(ctx context.Context) (string, error) {
	units, err := s.fanOutNegotiateLocked(ctx)
	if err != nil {
		return "", err
	}

	if s.remoteDescriptor != "" && len(units) == 0 {
		return "", errs.ErrMediaNoAvailableCodec.WithMessage("negotiation produced no media units")
	}
	s.medias = append(s.medias, units...)

	local := s.reassembleLocked()
	if local != "" {
		if s.remoteDescriptor == "" && s.localDescriptor == "" {
			s.role = domain.RoleOfferer
		}
		s.localDescriptor = local
		s.spec = sdputil.UpdateSpecWithChosenCodecs(local)
	}

	if s.remoteDescriptor != "" && s.localDescriptor != "" {
		if sdputil.HasAvailableAudioCodec(s.remoteDescriptor) != sdputil.HasAvailableAudioCodec(s.localDescriptor) ||
			sdputil.HasAvailableVideoCodec(s.remoteDescriptor) != sdputil.HasAvailableVideoCodec(s.localDescriptor) {
			return "", errs.ErrMediaNoAvailableCodec.WithMessage("offer and answer disagree on available codecs")
		}
	}

	for _, u := range units {
		s.mediaTypes = s.mediaTypes.Merge(u.MediaTypes)
	}

	if s.role == domain.RoleAnswerer {
		s.bus.Publish(events.Event{Kind: events.MediaNegotiated, Identifier: s.ID, Data: s.infoLocked()})
	}
	log.Info().Str("module", "media.session").Str("session", s.ID).Str("role", string(s.role)).Int("units", len(s.medias)).Msg("negotiated")
	return s.localDescriptor, nil
}

// fanOutNegotiateLocked calls each profile adapter with its partial remote
// description (or "" to request an offer), in parallel for composed setups.
func (s *Session) fanOutNegotiateLocked(ctx context.Context) ([]*Unit, error) {
	if single, ok := s.adapters[domain.ProfileAll]; ok && len(s.adapters) == 1 {
		units, err := single.Negotiate(ctx, s.negotiateRequestLocked(s.remoteDescriptor, domain.ProfileAll))
		if err != nil {
			return nil, err
		}
		s.attachDtmfLocked(units)
		return units, nil
	}

	type result struct {
		profile domain.MediaProfile
		units   []*Unit
		err     error
	}

	var wg sync.WaitGroup
	results := make(map[domain.MediaProfile]result)
	var resMu sync.Mutex

	for _, profile := range profileOrder {
		ad, ok := s.adapters[profile]
		if !ok {
			continue
		}
		partial := sdputil.GetPartialForProfile(s.remoteDescriptor, profile)
		if s.remoteDescriptor != "" && partial == "" {
			// The peer did not offer this kind; nothing to create yet.
			continue
		}
		if s.Profile != domain.ProfileAll && s.Profile != profile {
			continue
		}
		wg.Add(1)
		go func(profile domain.MediaProfile, ad Adapter, partial string) {
			defer wg.Done()
			units, err := ad.Negotiate(ctx, s.negotiateRequestLocked(partial, profile))
			resMu.Lock()
			results[profile] = result{profile, units, err}
			resMu.Unlock()
		}(profile, ad, partial)
	}
	wg.Wait()

	var units []*Unit
	for _, profile := range profileOrder {
		res, ok := results[profile]
		if !ok {
			continue
		}
		if res.err != nil {
			// Unwind whatever the other adapters created.
			for _, r := range results {
				for _, u := range r.units {
					_ = u.adapter.Stop(ctx, s.RoomID, u)
				}
			}
			return nil, res.err
		}
		for _, u := range res.units {
			u.LocalDescriptor = postFilterToProfile(u.LocalDescriptor, profile)
		}
		units = append(units, res.units...)
	}
	s.attachDtmfLocked(units)
	return units, nil
}

func (s *Session) negotiateRequestLocked(descriptor string, profile domain.MediaProfile) NegotiateRequest {
	opts := s.Options
	opts.Spec = s.spec
	return NegotiateRequest{
		RoomID:     s.RoomID,
		UserID:     s.UserID,
		SessionID:  s.ID,
		Descriptor: descriptor,
		Type:       s.Type,
		Profile:    profile,
		Options:    opts,
	}
}

// attachDtmfLocked subscribes the aggregator to tones raised by audio units.
func (s *Session) attachDtmfLocked(units []*Unit) {
	for _, u := range units {
		if u.Profile != domain.ProfileAudio && u.Profile != domain.ProfileAll {
			continue
		}
		cancel := s.bus.Subscribe(events.MediaDtmf, u.ID, func(ev events.Event) {
			if tone, ok := ev.Data.(string); ok {
				s.dtmf.Push(tone)
			}
		})
		s.dtmfCancels = append(s.dtmfCancels, cancel)
	}
}

// postFilterToProfile trims a composed answer to the sections its profile
// adapter actually owns.
func postFilterToProfile(body string, profile domain.MediaProfile) string {
	if body == "" || profile == domain.ProfileAll {
		return body
	}
	if p := sdputil.GetPartialForProfile(body, profile); p != "" {
		return p
	}
	return body
}

// reassembleLocked merges unit-local descriptions into one body: audio
// first, then the remaining partials in the order the session holds its
// units (profile order, then units added by renegotiation), under one
// session header taken from the first non-audio unit (or the first unit).
// The m-line order of the remote offer is not consulted.
func (s *Session) reassembleLocked() string {
	if len(s.medias) == 0 {
		return ""
	}
	if len(s.medias) == 1 {
		return s.medias[0].LocalDescriptor
	}

	header := ""
	for _, u := range s.medias {
		if u.Profile != domain.ProfileAudio && u.LocalDescriptor != "" {
			header = sdputil.SessionDescriptionHeader(u.LocalDescriptor)
			break
		}
	}
	if header == "" {
		header = sdputil.SessionDescriptionHeader(s.medias[0].LocalDescriptor)
	}

	var audio, rest strings.Builder
	for _, u := range s.medias {
		if u.LocalDescriptor == "" {
			continue
		}
		body := sdputil.RemoveSessionDescription(u.LocalDescriptor)
		if u.Profile == domain.ProfileAudio {
			audio.WriteString(body)
		} else {
			rest.WriteString(body)
		}
	}
	return header + audio.String() + rest.String()
}

func (s *Session) infoLocked() domain.MediaInfo {
	info := domain.MediaInfo{
		MediaID:    s.ID,
		SessionID:  s.ID,
		UserID:     s.UserID,
		RoomID:     s.RoomID,
		MediaTypes: s.mediaTypes,
	}
	return info
}

// Info snapshots the session for the wire.
func (s *Session) Info() domain.MediaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

// UnitForKind picks the unit carrying the given kind, if any.
func (s *Session) UnitForKind(kind domain.MediaKind) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitForKindLocked(kind)
}

func (s *Session) unitForKindLocked(kind domain.MediaKind) *Unit {
	if kind == domain.KindAll && len(s.medias) > 0 {
		return s.medias[0]
	}
	for _, u := range s.medias {
		if u.HasKind(kind) {
			return u
		}
	}
	return nil
}

// ContentMedia returns the unit carrying the content kind, if negotiated.
func (s *Session) ContentMedia() *Unit {
	return s.UnitForKind(domain.KindContent)
}

// ConnectTo wires this session's units into sink's units, kind by kind.
func (s *Session) ConnectTo(ctx context.Context, sink *Session, kind domain.MediaKind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pairs := s.pairUnits(sink, kind)
	if len(pairs) == 0 {
		return errs.ErrMediaInvalidOperation.WithMessage("no matching media between %s and %s", s.ID, sink.ID)
	}
	for _, p := range pairs {
		if err := p.src.Connect(ctx, p.sink, p.kind); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectFrom undoes ConnectTo for the given kind.
func (s *Session) DisconnectFrom(ctx context.Context, sink *Session, kind domain.MediaKind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, p := range s.pairUnits(sink, kind) {
		if err := p.src.Disconnect(ctx, p.sink, p.kind); err != nil {
			return err
		}
	}
	return nil
}

type unitPair struct {
	src, sink *Unit
	kind      domain.MediaKind
}

func (s *Session) pairUnits(sink *Session, kind domain.MediaKind) []unitPair {
	if kind == domain.KindAll {
		srcs, sinks := s.Medias(), sink.Medias()
		// One element on each side carries every kind: a single ALL connect.
		if len(srcs) == 1 && len(sinks) == 1 {
			return []unitPair{{srcs[0], sinks[0], domain.KindAll}}
		}
		var pairs []unitPair
		for _, k := range []domain.MediaKind{domain.KindAudio, domain.KindVideo, domain.KindContent} {
			pairs = append(pairs, s.pairUnits(sink, k)...)
		}
		return pairs
	}
	src := s.UnitForKind(kind)
	dst := sink.UnitForKind(kind)
	if src == nil || dst == nil {
		return nil
	}
	return []unitPair{{src, dst, kind}}
}

// AddIceCandidate forwards a trickle candidate to the session's elements.
func (s *Session) AddIceCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	units := make([]*Unit, len(s.medias))
	copy(units, s.medias)
	s.mu.Unlock()

	if len(units) == 0 {
		return errs.ErrMediaNotFound.WithMessage("session %s has no media", s.ID)
	}
	for _, u := range units {
		if err := u.adapter.AddIceCandidate(ctx, u, cand); err != nil {
			return err
		}
	}
	return nil
}

// SendDtmf feeds a tone into the command aggregator.
func (s *Session) SendDtmf(tone string) {
	s.dtmf.Push(tone)
	s.bus.Publish(events.Event{Kind: events.Dtmf, Identifier: s.RoomID, Data: map[string]string{"mediaId": s.ID, "tone": tone}})
}

// Stop releases every unit and silences the aggregator. Safe to call twice.
// The backend teardown completes under the operation lock, so no later
// operation on this session starts while units are still being released.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	units := s.medias
	s.medias = nil
	cancels := s.dtmfCancels
	s.dtmfCancels = nil
	s.mu.Unlock()

	s.dtmf.Stop()
	for _, c := range cancels {
		c()
	}
	var firstErr error
	for _, u := range units {
		if err := u.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MediaIDs lists the identifiers of the owned units.
func (s *Session) MediaIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.medias))
	for _, u := range s.medias {
		ids = append(ids, u.ID)
	}
	return ids
}

func (s *Session) dtmfSetVideoFloor() {
	u := s.UnitForKind(domain.KindVideo)
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.adapter.SetVideoFloor(ctx, u); err != nil {
		log.Warn().Err(err).Str("module", "media.session").Str("session", s.ID).Msg("dtmf set video floor failed")
	}
}

func (s *Session) dtmfSetLayout(layout string) {
	u := s.UnitForKind(domain.KindVideo)
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.adapter.SetLayoutType(ctx, u, layout); err != nil {
		log.Warn().Err(err).Str("module", "media.session").Str("session", s.ID).Msg("dtmf set layout failed")
	}
}

func (s *Session) dtmfToggleSubtitleGlobal() {
	for _, u := range s.Medias() {
		u.ToggleSubtitle()
	}
	log.Info().Str("module", "media.session").Str("session", s.ID).Msg("subtitle toggled globally")
}

func (s *Session) dtmfToggleSubtitleMedia() {
	if u := s.UnitForKind(domain.KindVideo); u != nil {
		u.ToggleSubtitle()
	}
}
