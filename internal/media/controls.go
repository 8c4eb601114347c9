package media

import (
	"context"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
)

// StartRecording starts capture on the session's recorder elements.
func (s *Session) StartRecording(ctx context.Context) error {
	if s.Type != domain.SessionRecording {
		return errs.ErrMediaInvalidOperation.WithMessage("session %s is not a recording session", s.ID)
	}
	for _, u := range s.Medias() {
		if err := u.adapter.StartRecording(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// StopRecording halts capture.
func (s *Session) StopRecording(ctx context.Context) error {
	if s.Type != domain.SessionRecording {
		return errs.ErrMediaInvalidOperation.WithMessage("session %s is not a recording session", s.ID)
	}
	for _, u := range s.Medias() {
		if err := u.adapter.StopRecording(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// SetVolume adjusts the audio element and reports the change.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	u := s.UnitForKind(domain.KindAudio)
	if u == nil {
		return errs.ErrMediaNotFound.WithMessage("session %s has no audio", s.ID)
	}
	if err := u.adapter.SetVolume(ctx, u, volume); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.MediaVolumeChanged, Identifier: s.RoomID, Data: map[string]any{
		"mediaId": s.ID,
		"volume":  volume,
	}})
	return nil
}

// Mute silences the audio element.
func (s *Session) Mute(ctx context.Context) error {
	u := s.UnitForKind(domain.KindAudio)
	if u == nil {
		return errs.ErrMediaNotFound.WithMessage("session %s has no audio", s.ID)
	}
	if err := u.adapter.Mute(ctx, u); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.MediaMuted, Identifier: s.RoomID, Data: map[string]string{"mediaId": s.ID}})
	return nil
}

// Unmute restores the audio element.
func (s *Session) Unmute(ctx context.Context) error {
	u := s.UnitForKind(domain.KindAudio)
	if u == nil {
		return errs.ErrMediaNotFound.WithMessage("session %s has no audio", s.ID)
	}
	if err := u.adapter.Unmute(ctx, u); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.MediaUnmuted, Identifier: s.RoomID, Data: map[string]string{"mediaId": s.ID}})
	return nil
}

// RequestKeyframe asks the video element for an immediate keyframe.
func (s *Session) RequestKeyframe(ctx context.Context) error {
	u := s.UnitForKind(domain.KindVideo)
	if u == nil {
		u = s.UnitForKind(domain.KindContent)
	}
	if u == nil {
		return errs.ErrMediaNotFound.WithMessage("session %s has no video", s.ID)
	}
	if err := u.adapter.RequestKeyframe(ctx, u); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.KeyframeNeeded, Identifier: s.RoomID, Data: map[string]string{"mediaId": s.ID}})
	return nil
}
