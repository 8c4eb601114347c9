package media

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/sdputil"
)

// renegotiateLocked answers a follow-up remote descriptor: each already
// negotiated kind gets a reduced answer processed on its own element, and a
// newly offered content section gets a fresh unit. Existing elements for
// untouched kinds are left alone.
func (s *Session) renegotiateLocked(ctx context.Context) (string, error) {
	wasAnswerOfOffer := s.shouldProcessRemoteAsAnswerer

	type kindProfile struct {
		kind    domain.MediaKind
		profile domain.MediaProfile
	}
	for _, kp := range []kindProfile{
		{domain.KindAudio, domain.ProfileAudio},
		{domain.KindVideo, domain.ProfileMain},
		{domain.KindContent, domain.ProfileContent},
	} {
		partial := partialOfKind(s.remoteDescriptor, kp.kind)
		if partial == "" {
			continue
		}
		unit := s.unitForKindLocked(kp.kind)
		if unit == nil {
			if kp.kind != domain.KindContent {
				continue
			}
			// Content newly offered: create the content unit now.
			ad := s.adapterFor(kp.profile)
			if ad == nil {
				continue
			}
			units, err := ad.Negotiate(ctx, s.negotiateRequestLocked(partial, kp.profile))
			if err != nil {
				return "", err
			}
			for _, u := range units {
				u.LocalDescriptor = postFilterToProfile(u.LocalDescriptor, kp.profile)
				s.mediaTypes = s.mediaTypes.Merge(u.MediaTypes)
			}
			s.medias = append(s.medias, units...)
			continue
		}

		reduced := s.reducedDescriptorLocked(unit, kp.kind, partial)
		if err := unit.adapter.ProcessAnswer(ctx, unit, reduced); err != nil {
			return "", err
		}
		unit.RemoteDescriptor = partial
	}

	s.shouldRenegotiate = false
	s.shouldProcessRemoteAsAnswerer = false
	s.localDescriptor = s.reassembleLocked()

	if wasAnswerOfOffer {
		log.Info().Str("module", "media.session").Str("session", s.ID).Msg("offerer answer processed")
	}
	s.bus.Publish(events.Event{Kind: events.MediaState, Identifier: s.ID, Data: s.infoLocked()})
	return s.localDescriptor, nil
}

func partialOfKind(body string, kind domain.MediaKind) string {
	switch kind {
	case domain.KindAudio:
		return sdputil.GetAudioSDP(body)
	case domain.KindVideo:
		return sdputil.GetVideoSDP(body)
	case domain.KindContent:
		return sdputil.GetContentSDP(body)
	default:
		return body
	}
}

func (s *Session) adapterFor(profile domain.MediaProfile) Adapter {
	if ad, ok := s.adapters[profile]; ok {
		return ad
	}
	return s.adapters[domain.ProfileAll]
}

// reducedDescriptorLocked builds the single-kind body handed to an element.
// When the element negotiated several m-lines, the other kinds are stubbed
// as inactive sections so the m-line count and order are preserved.
func (s *Session) reducedDescriptorLocked(unit *Unit, kind domain.MediaKind, partial string) string {
	single := unit.Profile != domain.ProfileAll
	if single {
		return partial
	}

	header := sdputil.SessionDescriptionHeader(s.remoteDescriptor)
	var body strings.Builder
	for _, p := range sdputil.GetPartialDescriptions(s.remoteDescriptor) {
		if sdputil.KindOf(p) == kind {
			body.WriteString(sdputil.RemoveSessionDescription(p))
		} else {
			body.WriteString(sdputil.MakeInactiveStub(sdputil.KindOf(p)))
		}
	}
	return header + body.String()
}
