package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// Controller is the top-level facade. The room/user/session tree is the
// source of truth; the flat maps here are lookup caches kept in lockstep.
type Controller struct {
	bus      *events.Bus
	adapters map[domain.MediaProfile]media.Adapter

	dtmfTimeout time.Duration
	dtmfLength  int

	mu         sync.RWMutex
	rooms      map[string]*Room
	users      map[string]*User
	sessions   map[string]*media.Session
	medias     map[string]*media.Unit
	strategies map[string]string
}

// Config wires the controller's collaborators.
type Config struct {
	Bus      *events.Bus
	Adapters map[domain.MediaProfile]media.Adapter

	DtmfTimeout time.Duration
	DtmfLength  int
}

func NewController(cfg Config) *Controller {
	return &Controller{
		bus:         cfg.Bus,
		adapters:    cfg.Adapters,
		dtmfTimeout: cfg.DtmfTimeout,
		dtmfLength:  cfg.DtmfLength,
		rooms:       make(map[string]*Room),
		users:       make(map[string]*User),
		sessions:    make(map[string]*media.Session),
		medias:      make(map[string]*media.Unit),
		strategies:  make(map[string]string),
	}
}

// Bus exposes the event fabric for transports and bridges.
func (c *Controller) Bus() *events.Bus { return c.bus }

// Join adds a user to the room, creating the room on first join.
func (c *Controller) Join(roomID string, t domain.UserType, name string) (string, error) {
	if t == "" {
		t = domain.UserSFU
	}
	room := c.getOrCreateRoom(roomID)

	userID := uuid.NewString()
	user := newUser(userID, roomID, t, name, c.bus, func(st domain.SessionType, opts media.Options) (*media.Session, error) {
		return media.NewSession(media.SessionConfig{
			RoomID:      roomID,
			UserID:      userID,
			Type:        st,
			Options:     opts,
			Adapters:    c.adapters,
			Bus:         c.bus,
			DtmfTimeout: c.dtmfTimeout,
			DtmfLength:  c.dtmfLength,
		})
	})

	room.AddUser(user)
	c.mu.Lock()
	c.users[userID] = user
	c.mu.Unlock()

	c.bus.Publish(events.Event{Kind: events.UserJoined, Identifier: roomID, Data: map[string]string{
		"roomId": roomID,
		"userId": userID,
		"name":   name,
		"type":   string(t),
	}})
	log.Info().Str("module", "app.controller").Str("room", roomID).Str("user", userID).Str("type", string(t)).Msg("user joined")
	return userID, nil
}

func (c *Controller) getOrCreateRoom(roomID string) *Room {
	c.mu.RLock()
	room, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if ok {
		return room
	}
	c.mu.Lock()
	if room, ok = c.rooms[roomID]; ok {
		c.mu.Unlock()
		return room
	}
	room = NewRoom(roomID, c.bus)
	c.rooms[roomID] = room
	c.mu.Unlock()

	c.bus.Publish(events.Event{Kind: events.RoomCreated, Identifier: roomID, Data: roomID})
	return room
}

// Leave removes the user and stops everything it owns. Unknown users or
// rooms resolve successfully: cleanup is idempotent.
func (c *Controller) Leave(ctx context.Context, userID, roomID string) error {
	c.mu.RLock()
	user, uok := c.users[userID]
	room, rok := c.rooms[roomID]
	c.mu.RUnlock()
	if !uok || !rok {
		return nil
	}

	removed := user.Leave(ctx)
	c.mu.Lock()
	delete(c.users, userID)
	for _, id := range removed {
		delete(c.sessions, id)
		delete(c.medias, id)
	}
	c.mu.Unlock()
	for _, id := range removed {
		room.RemoveSession(id)
	}
	room.RemoveUser(userID)

	c.bus.Publish(events.Event{Kind: events.UserLeft, Identifier: roomID, Data: map[string]string{
		"roomId": roomID,
		"userId": userID,
	}})

	c.reapMcuSession(ctx, room)
	if room.UserCount() == 0 {
		c.destroyRoom(ctx, room)
	}
	return nil
}

// reapMcuSession stops the room mixer once the last MCU user is gone.
func (c *Controller) reapMcuSession(ctx context.Context, room *Room) {
	if room.countUsersOfType(domain.UserMCU) > 0 {
		return
	}
	room.mu.Lock()
	mcu := room.mcuSession
	room.mcuSession = nil
	room.mu.Unlock()
	if mcu == nil {
		return
	}

	mediaIDs := mcu.MediaIDs()
	if err := mcu.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Str("room", room.ID).Msg("mcu session stop failed")
	}
	c.mu.Lock()
	delete(c.sessions, mcu.ID)
	for _, id := range mediaIDs {
		delete(c.medias, id)
	}
	c.mu.Unlock()
	room.RemoveSession(mcu.ID)
	log.Info().Str("module", "app.controller").Str("room", room.ID).Msg("mcu session reaped")
}

func (c *Controller) destroyRoom(ctx context.Context, room *Room) {
	c.mu.Lock()
	delete(c.rooms, room.ID)
	c.mu.Unlock()

	room.Close()
	c.bus.Publish(events.Event{Kind: events.RoomEmpty, Identifier: room.ID, Data: room.ID})
	c.bus.Publish(events.Event{Kind: events.RoomDestroyed, Identifier: room.ID, Data: room.ID})
	c.bus.UnsubscribeAll(room.ID)
	log.Info().Str("module", "app.controller").Str("room", room.ID).Msg("room destroyed")
}

// GetRooms lists live room IDs.
func (c *Controller) GetRooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// GetUsers lists the users of a room.
func (c *Controller) GetUsers(roomID string) ([]*User, error) {
	room, err := c.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	return room.Users(), nil
}

// GetUserMedias lists the media snapshots of a user's sessions.
func (c *Controller) GetUserMedias(userID string) ([]domain.MediaInfo, error) {
	user, err := c.getUser(userID)
	if err != nil {
		return nil, err
	}
	var out []domain.MediaInfo
	for _, s := range user.Sessions() {
		for _, u := range s.Medias() {
			out = append(out, u.Info())
		}
	}
	return out, nil
}

// SetStrategy attaches a named policy to any room/user/session identifier.
func (c *Controller) SetStrategy(identifier, strategy string) error {
	if err := validateStrategy(strategy); err != nil {
		return err
	}
	c.mu.Lock()
	c.strategies[identifier] = strategy
	room := c.rooms[identifier]
	user := c.users[identifier]
	c.mu.Unlock()

	if room != nil {
		room.mu.Lock()
		room.strategy = strategy
		room.mu.Unlock()
	}
	if user != nil {
		user.mu.Lock()
		user.strategy = strategy
		user.mu.Unlock()
	}
	c.bus.Publish(events.Event{Kind: events.StrategyChanged, Identifier: identifier, Data: strategy})
	return nil
}

// GetStrategy reads the policy attached to an identifier.
func (c *Controller) GetStrategy(identifier string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.strategies[identifier]; ok {
		return s
	}
	return StrategyFreewill
}

func (c *Controller) getRoom(roomID string) (*Room, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil, errs.ErrRoomNotFound.WithMessage("room %s", roomID)
	}
	return room, nil
}

func (c *Controller) getUser(userID string) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user, ok := c.users[userID]
	if !ok {
		return nil, errs.ErrUserNotFound.WithMessage("user %s", userID)
	}
	return user, nil
}

// getSession resolves a session by its own ID or by one of its unit IDs.
func (c *Controller) getSession(mediaID string) (*media.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.sessions[mediaID]; ok {
		return s, nil
	}
	if u, ok := c.medias[mediaID]; ok {
		if s, ok := c.sessions[u.SessionID]; ok {
			return s, nil
		}
	}
	return nil, errs.ErrMediaNotFound.WithMessage("media %s", mediaID)
}

// indexSession caches a session and its units for flat lookup.
func (c *Controller) indexSession(room *Room, s *media.Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	for _, u := range s.Medias() {
		c.medias[u.ID] = u
	}
	c.mu.Unlock()
	room.AddSession(s)
}

// deindexSession drops a session from every map and the room tree. Callers
// run it before Stop, while the session still lists its units.
func (c *Controller) deindexSession(room *Room, user *User, s *media.Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	for _, id := range s.MediaIDs() {
		delete(c.medias, id)
	}
	c.mu.Unlock()
	if user != nil {
		user.removeSession(s.ID)
	}
	room.RemoveSession(s.ID)
}
