// Package app is the orchestration layer: rooms, users and the controller
// facade that routes client requests across them.
package app

import (
	"sync"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// floorHistoryCap bounds the MRU floor history.
const floorHistoryCap = 10

// Room contains users and their media sessions and arbitrates the two
// floors: conference (speaker) video and content (screen share).
type Room struct {
	ID string

	bus *events.Bus

	mu       sync.RWMutex
	users    map[string]*User
	sessions map[string]*media.Session
	medias   map[string]*media.Unit

	conferenceFloor     *media.Unit
	prevConferenceFloor []*media.Unit
	contentFloor        *media.Unit
	prevContentFloor    []*media.Unit

	mcuSession *media.Session
	strategy   string

	cancelDisconnect func()
}

func NewRoom(id string, bus *events.Bus) *Room {
	r := &Room{
		ID:       id,
		bus:      bus,
		users:    make(map[string]*User),
		sessions: make(map[string]*media.Session),
		medias:   make(map[string]*media.Unit),
		strategy: StrategyFreewill,
	}
	r.cancelDisconnect = bus.Subscribe(events.MediaDisconnected, id, func(ev events.Event) {
		if info, ok := ev.Data.(domain.MediaInfo); ok {
			r.onMediaDisconnected(info.MediaID)
		}
	})
	return r
}

func (r *Room) AddUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *Room) RemoveUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

func (r *Room) GetUser(id string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Room) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// countUsersOfType counts members by participation type.
func (r *Room) countUsersOfType(t domain.UserType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, u := range r.users {
		if u.Type == t {
			n++
		}
	}
	return n
}

// AddSession indexes a session and its units into the room tree.
func (r *Room) AddSession(s *media.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	for _, u := range s.Medias() {
		r.medias[u.ID] = u
	}
}

// RemoveSession deindexes a session, its units and any floor they held.
func (r *Room) RemoveSession(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	var floorIDs []string
	for _, u := range s.Medias() {
		delete(r.medias, u.ID)
		floorIDs = append(floorIDs, u.ID)
	}
	r.mu.Unlock()

	for _, id := range floorIDs {
		r.onMediaDisconnected(id)
	}
}

func (r *Room) Sessions() []*media.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*media.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Room) GetSession(id string) (*media.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Room) GetMedia(id string) (*media.Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.medias[id]
	return u, ok
}

// Close drops the room's event subscriptions.
func (r *Room) Close() {
	if r.cancelDisconnect != nil {
		r.cancelDisconnect()
	}
}
