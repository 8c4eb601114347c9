package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

// User is a participant in a room. It owns its media sessions: destroying
// the user stops every one of them.
type User struct {
	ID     string
	RoomID string
	Type   domain.UserType
	Name   string

	bus        *events.Bus
	newSession func(t domain.SessionType, opts media.Options) (*media.Session, error)

	mu       sync.RWMutex
	sessions map[string]*media.Session
	strategy string
}

func newUser(id, roomID string, t domain.UserType, name string, bus *events.Bus,
	factory func(t domain.SessionType, opts media.Options) (*media.Session, error)) *User {
	return &User{
		ID:         id,
		RoomID:     roomID,
		Type:       t,
		Name:       name,
		bus:        bus,
		newSession: factory,
		sessions:   make(map[string]*media.Session),
		strategy:   StrategyFreewill,
	}
}

func (u *User) Sessions() []*media.Session {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*media.Session, 0, len(u.sessions))
	for _, s := range u.sessions {
		out = append(out, s)
	}
	return out
}

func (u *User) GetSession(id string) (*media.Session, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.sessions[id]
	return s, ok
}

// Publish negotiates a new session from the user's descriptor and returns
// it with the computed local description.
func (u *User) Publish(ctx context.Context, descriptor string, t domain.SessionType, opts media.Options) (*media.Session, string, error) {
	s, err := u.newSession(t, opts)
	if err != nil {
		return nil, "", err
	}
	if descriptor != "" {
		s.SetRemoteDescriptor(descriptor)
	}
	answer, err := s.Process(ctx)
	if err != nil {
		_ = s.Stop(ctx)
		return nil, "", err
	}

	u.mu.Lock()
	u.sessions[s.ID] = s
	u.mu.Unlock()
	log.Info().Str("module", "app.user").Str("user", u.ID).Str("session", s.ID).Str("type", string(t)).Msg("published")
	return s, answer, nil
}

// Subscribe publishes a receive session and, on success, wires source into
// it.
func (u *User) Subscribe(ctx context.Context, source *media.Session, descriptor string, t domain.SessionType, opts media.Options) (*media.Session, string, error) {
	s, answer, err := u.Publish(ctx, descriptor, t, opts)
	if err != nil {
		return nil, "", err
	}
	if err := source.ConnectTo(ctx, s, domain.KindAll); err != nil {
		u.removeSession(s.ID)
		_ = s.Stop(ctx)
		return nil, "", err
	}
	u.bus.Publish(events.Event{Kind: events.SubscribedTo, Identifier: u.ID, Data: map[string]string{
		"mediaId":  s.ID,
		"sourceId": source.ID,
	}})
	return s, answer, nil
}

// StartRecording spins up a recorder session fed by source.
func (u *User) StartRecording(ctx context.Context, source *media.Session, path string, opts media.Options) (*media.Session, error) {
	opts.RecordingPath = path
	rec, err := u.newSession(domain.SessionRecording, opts)
	if err != nil {
		return nil, err
	}
	if _, err := rec.Process(ctx); err != nil {
		_ = rec.Stop(ctx)
		return nil, err
	}
	if err := source.ConnectTo(ctx, rec, domain.KindAll); err != nil {
		_ = rec.Stop(ctx)
		return nil, err
	}
	if err := rec.StartRecording(ctx); err != nil {
		_ = rec.Stop(ctx)
		return nil, err
	}

	u.mu.Lock()
	u.sessions[rec.ID] = rec
	u.mu.Unlock()
	return rec, nil
}

func (u *User) removeSession(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, id)
}

// Leave stops every owned session and returns the IDs of the sessions and
// of their media units that went away so the controller can deindex them.
func (u *User) Leave(ctx context.Context) []string {
	u.mu.Lock()
	sessions := u.sessions
	u.sessions = make(map[string]*media.Session)
	u.mu.Unlock()

	var removed []string
	for _, s := range sessions {
		removed = append(removed, s.MediaIDs()...)
		removed = append(removed, s.ID)
		if err := s.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.user").Str("session", s.ID).Msg("session stop failed on leave")
		}
	}
	return removed
}
