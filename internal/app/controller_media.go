package app

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// PublishResult is the wire answer of publish-like operations.
type PublishResult struct {
	MediaID    string `json:"mediaId"`
	Descriptor string `json:"descriptor"`
}

// Publish negotiates a new send session for the user.
func (c *Controller) Publish(ctx context.Context, userID, roomID string, t domain.SessionType, descriptor string, opts media.Options) (*PublishResult, error) {
	user, err := c.getUser(userID)
	if err != nil {
		return nil, err
	}
	room, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	s, answer, err := user.Publish(ctx, descriptor, t, opts)
	if err != nil {
		return nil, err
	}
	c.indexSession(room, s)
	return &PublishResult{MediaID: s.ID, Descriptor: answer}, nil
}

// Unpublish stops the user's session and removes it everywhere.
func (c *Controller) Unpublish(ctx context.Context, userID, mediaID string) error {
	user, err := c.getUser(userID)
	if err != nil {
		return err
	}
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	room, err := c.getRoom(s.RoomID)
	if err != nil {
		return err
	}
	c.deindexSession(room, user, s)
	return s.Stop(ctx)
}

// Subscribe negotiates a receive session wired to the source media.
func (c *Controller) Subscribe(ctx context.Context, userID, sourceID string, t domain.SessionType, descriptor string, opts media.Options) (*PublishResult, error) {
	user, err := c.getUser(userID)
	if err != nil {
		return nil, err
	}
	source, err := c.getSession(sourceID)
	if err != nil {
		return nil, err
	}
	room, err := c.getRoom(user.RoomID)
	if err != nil {
		return nil, err
	}

	s, answer, err := user.Subscribe(ctx, source, descriptor, t, opts)
	if err != nil {
		return nil, err
	}
	c.indexSession(room, s)
	return &PublishResult{MediaID: s.ID, Descriptor: answer}, nil
}

// Unsubscribe is unpublish for receive sessions.
func (c *Controller) Unsubscribe(ctx context.Context, userID, mediaID string) error {
	return c.Unpublish(ctx, userID, mediaID)
}

// PublishAndSubscribe fuses both: the publication also joins the room's
// mixer fabric. The first MCU participant bootstraps the mixer session and
// pulls every live SFU session into it; publishers carrying content hook
// the room's content floor into themselves.
func (c *Controller) PublishAndSubscribe(ctx context.Context, userID, roomID string, t domain.SessionType, descriptor string, opts media.Options) (*PublishResult, error) {
	user, err := c.getUser(userID)
	if err != nil {
		return nil, err
	}
	room, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	res, err := c.Publish(ctx, userID, roomID, t, descriptor, opts)
	if err != nil {
		return nil, err
	}
	published, _ := c.getSession(res.MediaID)

	if user.Type == domain.UserMCU {
		mcu, err := c.ensureMcuSession(ctx, room)
		if err != nil {
			return nil, err
		}
		if err := published.ConnectTo(ctx, mcu, domain.KindAll); err != nil {
			return nil, err
		}
		if mixerUnit := mcu.UnitForKind(domain.KindAll); mixerUnit != nil {
			for _, u := range published.Medias() {
				u.MixerID = mixerUnit.MixerID
			}
		}
	}

	if content := published.ContentMedia(); content != nil {
		if fi := room.ContentFloorInfo(); fi.Floor != nil {
			if floorSession, err := c.getSession(fi.Floor.MediaID); err == nil {
				if err := floorSession.ConnectTo(ctx, published, domain.KindContent); err != nil {
					log.Warn().Err(err).Str("module", "app.controller").Str("room", roomID).Msg("content floor hookup failed")
				}
			}
		}
	}
	return res, nil
}

// ensureMcuSession lazily creates the room mixer and wires the existing
// SFU sessions into it.
func (c *Controller) ensureMcuSession(ctx context.Context, room *Room) (*media.Session, error) {
	room.mu.Lock()
	if room.mcuSession != nil {
		mcu := room.mcuSession
		room.mu.Unlock()
		return mcu, nil
	}
	room.mu.Unlock()

	mcu, err := media.NewSession(media.SessionConfig{
		RoomID:   room.ID,
		UserID:   room.ID,
		Type:     domain.SessionMCU,
		Options:  media.Options{Name: "mixer:" + room.ID},
		Adapters: c.adapters,
		Bus:      c.bus,
	})
	if err != nil {
		return nil, err
	}
	if _, err := mcu.Process(ctx); err != nil {
		_ = mcu.Stop(ctx)
		return nil, err
	}

	room.mu.Lock()
	if room.mcuSession != nil {
		// Lost the race; keep the winner.
		winner := room.mcuSession
		room.mu.Unlock()
		_ = mcu.Stop(ctx)
		return winner, nil
	}
	room.mcuSession = mcu
	room.mu.Unlock()

	c.indexSession(room, mcu)
	for _, s := range room.Sessions() {
		if s.ID == mcu.ID {
			continue
		}
		if owner, err := c.getUser(s.UserID); err != nil || owner.Type != domain.UserSFU {
			continue
		}
		if err := s.ConnectTo(ctx, mcu, domain.KindAll); err != nil {
			log.Warn().Err(err).Str("module", "app.controller").Str("room", room.ID).Str("session", s.ID).Msg("mcu hookup failed")
		}
	}
	log.Info().Str("module", "app.controller").Str("room", room.ID).Msg("mcu session created")
	return mcu, nil
}

// Connect wires the source media into each sink for the given kind.
func (c *Controller) Connect(ctx context.Context, sourceID string, sinkIDs []string, kind domain.MediaKind) error {
	source, err := c.getSession(sourceID)
	if err != nil {
		return err
	}
	for _, sinkID := range sinkIDs {
		sink, err := c.getSession(sinkID)
		if err != nil {
			return err
		}
		if err := source.ConnectTo(ctx, sink, kind); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect undoes Connect.
func (c *Controller) Disconnect(ctx context.Context, sourceID string, sinkIDs []string, kind domain.MediaKind) error {
	source, err := c.getSession(sourceID)
	if err != nil {
		return err
	}
	for _, sinkID := range sinkIDs {
		sink, err := c.getSession(sinkID)
		if err != nil {
			return err
		}
		if err := source.DisconnectFrom(ctx, sink, kind); err != nil {
			return err
		}
	}
	return nil
}

// ProcessDescriptor feeds a follow-up remote descriptor into a session and
// returns the recomputed local one.
func (c *Controller) ProcessDescriptor(ctx context.Context, mediaID, descriptor string) (string, error) {
	s, err := c.getSession(mediaID)
	if err != nil {
		return "", err
	}
	s.SetRemoteDescriptor(descriptor)
	return s.Process(ctx)
}

// AddIceCandidate relays a trickle candidate to the media's elements.
func (c *Controller) AddIceCandidate(ctx context.Context, mediaID string, cand webrtc.ICECandidateInit) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	return s.AddIceCandidate(ctx, cand)
}

// StartRecording records the media into path and returns the recording ID.
func (c *Controller) StartRecording(ctx context.Context, userID, mediaID, path string, opts media.Options) (string, error) {
	user, err := c.getUser(userID)
	if err != nil {
		return "", err
	}
	source, err := c.getSession(mediaID)
	if err != nil {
		return "", err
	}
	room, err := c.getRoom(source.RoomID)
	if err != nil {
		return "", err
	}
	rec, err := user.StartRecording(ctx, source, path, opts)
	if err != nil {
		return "", err
	}
	c.indexSession(room, rec)
	return rec.ID, nil
}

// StopRecording tears the recorder session down.
func (c *Controller) StopRecording(ctx context.Context, userID, recordingID string) error {
	user, err := c.getUser(userID)
	if err != nil {
		return err
	}
	rec, err := c.getSession(recordingID)
	if err != nil {
		return err
	}
	if rec.Type != domain.SessionRecording {
		return errs.ErrMediaInvalidOperation.WithMessage("media %s is not a recording", recordingID)
	}
	if err := rec.StopRecording(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Str("recording", recordingID).Msg("stop recording failed")
	}
	room, err := c.getRoom(rec.RoomID)
	if err != nil {
		return err
	}
	c.deindexSession(room, user, rec)
	return rec.Stop(ctx)
}

// SetConferenceFloor promotes the media to the room's speaker floor.
func (c *Controller) SetConferenceFloor(roomID, mediaID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	s, err := c.getSession(mediaID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	room.SetConferenceFloor(s)
	return room.ConferenceFloorInfo(), nil
}

// SetContentFloor promotes the media's content to the content floor.
func (c *Controller) SetContentFloor(roomID, mediaID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	s, err := c.getSession(mediaID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	room.SetContentFloor(s)
	return room.ContentFloorInfo(), nil
}

func (c *Controller) ReleaseConferenceFloor(roomID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	room.ReleaseConferenceFloor()
	return room.ConferenceFloorInfo(), nil
}

func (c *Controller) ReleaseContentFloor(roomID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	room.ReleaseContentFloor()
	return room.ContentFloorInfo(), nil
}

func (c *Controller) GetConferenceFloor(roomID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	return room.ConferenceFloorInfo(), nil
}

func (c *Controller) GetContentFloor(roomID string) (domain.FloorInfo, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return domain.FloorInfo{}, err
	}
	return room.ContentFloorInfo(), nil
}

// SetVolume adjusts the media's audio level.
func (c *Controller) SetVolume(ctx context.Context, mediaID string, volume int) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	return s.SetVolume(ctx, volume)
}

func (c *Controller) Mute(ctx context.Context, mediaID string) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	return s.Mute(ctx)
}

func (c *Controller) Unmute(ctx context.Context, mediaID string) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	return s.Unmute(ctx)
}

// Dtmf feeds a tone into the session's command aggregator.
func (c *Controller) Dtmf(mediaID, tone string) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	s.SendDtmf(tone)
	return nil
}

// RequestKeyframe asks the media's video element for a keyframe.
func (c *Controller) RequestKeyframe(ctx context.Context, mediaID string) error {
	s, err := c.getSession(mediaID)
	if err != nil {
		return err
	}
	return s.RequestKeyframe(ctx)
}
