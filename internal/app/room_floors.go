package app

import (
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// SetContentFloor makes the session's content media the active content
// floor, pushing the previous holder into the MRU history.
func (r *Room) SetContentFloor(s *media.Session) {
	unit := s.ContentMedia()
	if unit == nil {
		log.Warn().Str("module", "app.room").Str("room", r.ID).Str("session", s.ID).Msg("set content floor: session has no content media")
		return
	}

	r.mu.Lock()
	if r.contentFloor != nil && r.contentFloor.ID != unit.ID {
		r.prevContentFloor = pushFloor(r.prevContentFloor, r.contentFloor)
	}
	r.contentFloor = unit
	info := r.contentFloorInfoLocked()
	r.mu.Unlock()

	r.bus.Publish(events.Event{Kind: events.ContentFloorChanged, Identifier: r.ID, Data: info})
}

// SetConferenceFloor promotes the session's video media to the speaker
// floor. A session with no sending video falls back to (a) its sibling
// units, then (b) every session of the same user, looking for video in
// sendrecv or sendonly; if none is found the call is a warned no-op.
func (r *Room) SetConferenceFloor(s *media.Session) {
	unit := r.findFloorableVideo(s)
	if unit == nil {
		log.Warn().Str("module", "app.room").Str("room", r.ID).Str("session", s.ID).Msg("set conference floor: no sending video found")
		return
	}

	r.mu.Lock()
	if r.conferenceFloor != nil && r.conferenceFloor.ID != unit.ID {
		r.prevConferenceFloor = pushFloor(r.prevConferenceFloor, r.conferenceFloor)
	}
	r.conferenceFloor = unit
	info := r.conferenceFloorInfoLocked()
	r.mu.Unlock()

	r.bus.Publish(events.Event{Kind: events.ConferenceFloorChanged, Identifier: r.ID, Data: info})
}

func (r *Room) findFloorableVideo(s *media.Session) *media.Unit {
	for _, u := range s.Medias() {
		if u.MediaTypes.Video.Sends() {
			return u
		}
	}
	user, ok := r.GetUser(s.UserID)
	if !ok {
		return nil
	}
	for _, sess := range user.Sessions() {
		for _, u := range sess.Medias() {
			if u.MediaTypes.Video.Sends() {
				return u
			}
		}
	}
	return nil
}

// ReleaseContentFloor drops the current content floor and restores the
// most recent live holder from the history.
func (r *Room) ReleaseContentFloor() {
	r.mu.Lock()
	r.contentFloor, r.prevContentFloor = r.restoreFloorLocked(r.prevContentFloor)
	info := r.contentFloorInfoLocked()
	r.mu.Unlock()
	r.bus.Publish(events.Event{Kind: events.ContentFloorChanged, Identifier: r.ID, Data: info})
}

// ReleaseConferenceFloor drops the current speaker floor, restoring the
// most recent live holder.
func (r *Room) ReleaseConferenceFloor() {
	r.mu.Lock()
	r.conferenceFloor, r.prevConferenceFloor = r.restoreFloorLocked(r.prevConferenceFloor)
	info := r.conferenceFloorInfoLocked()
	r.mu.Unlock()
	r.bus.Publish(events.Event{Kind: events.ConferenceFloorChanged, Identifier: r.ID, Data: info})
}

// restoreFloorLocked pops history entries until one still lives in the
// room's media set.
func (r *Room) restoreFloorLocked(history []*media.Unit) (*media.Unit, []*media.Unit) {
	for len(history) > 0 {
		candidate := history[0]
		history = history[1:]
		if _, ok := r.medias[candidate.ID]; ok {
			return candidate, history
		}
	}
	return nil, history
}

// ContentFloorInfo snapshots the content floor state.
func (r *Room) ContentFloorInfo() domain.FloorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contentFloorInfoLocked()
}

// ConferenceFloorInfo snapshots the speaker floor state.
func (r *Room) ConferenceFloorInfo() domain.FloorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conferenceFloorInfoLocked()
}

func (r *Room) contentFloorInfoLocked() domain.FloorInfo {
	return floorInfo(r.contentFloor, r.prevContentFloor)
}

func (r *Room) conferenceFloorInfoLocked() domain.FloorInfo {
	return floorInfo(r.conferenceFloor, r.prevConferenceFloor)
}

func floorInfo(current *media.Unit, history []*media.Unit) domain.FloorInfo {
	var fi domain.FloorInfo
	if current != nil {
		info := current.Info()
		fi.Floor = &info
	}
	fi.PreviousFloor = make([]domain.MediaInfo, 0, len(history))
	for _, u := range history {
		fi.PreviousFloor = append(fi.PreviousFloor, u.Info())
	}
	return fi
}

func pushFloor(history []*media.Unit, u *media.Unit) []*media.Unit {
	history = append([]*media.Unit{u}, history...)
	if len(history) > floorHistoryCap {
		history = history[:floorHistoryCap]
	}
	return history
}

// onMediaDisconnected auto-releases any floor held by the disconnected
// media: the holder moves into the history and the floor empties.
func (r *Room) onMediaDisconnected(mediaID string) {
	r.mu.Lock()
	var contentChanged, conferenceChanged bool
	if r.contentFloor != nil && r.contentFloor.ID == mediaID {
		r.prevContentFloor = pushFloor(r.prevContentFloor, r.contentFloor)
		r.contentFloor = nil
		contentChanged = true
	}
	if r.conferenceFloor != nil && r.conferenceFloor.ID == mediaID {
		r.prevConferenceFloor = pushFloor(r.prevConferenceFloor, r.conferenceFloor)
		r.conferenceFloor = nil
		conferenceChanged = true
	}
	contentInfo := r.contentFloorInfoLocked()
	conferenceInfo := r.conferenceFloorInfoLocked()
	r.mu.Unlock()

	if contentChanged {
		r.bus.Publish(events.Event{Kind: events.ContentFloorChanged, Identifier: r.ID, Data: contentInfo})
	}
	if conferenceChanged {
		r.bus.Publish(events.Event{Kind: events.ConferenceFloorChanged, Identifier: r.ID, Data: conferenceInfo})
	}
}
