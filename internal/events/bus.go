package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Kind is a typed event name. External kinds are forwarded to subscribed
// clients; internal kinds only ever travel between components.
type Kind string

const (
	RoomCreated            Kind = "roomCreated"
	RoomDestroyed          Kind = "roomDestroyed"
	UserJoined             Kind = "userJoined"
	UserLeft               Kind = "userLeft"
	MediaConnected         Kind = "mediaConnected"
	MediaDisconnected      Kind = "mediaDisconnected"
	MediaState             Kind = "mediaState"
	IceCandidate           Kind = "onIceCandidate"
	ContentFloorChanged    Kind = "contentFloorChanged"
	ConferenceFloorChanged Kind = "conferenceFloorChanged"
	MediaVolumeChanged     Kind = "mediaVolumeChanged"
	MediaMuted             Kind = "mediaMuted"
	MediaUnmuted           Kind = "mediaUnmuted"
	MediaStartTalking      Kind = "mediaStartTalking"
	MediaStopTalking       Kind = "mediaStopTalking"
	StrategyChanged        Kind = "strategyChanged"
	SubscribedTo           Kind = "subscribedTo"
	KeyframeNeeded         Kind = "keyframeNeeded"
	Dtmf                   Kind = "dtmf"

	// Internal kinds.
	MediaNegotiated    Kind = "mediaNegotiated"
	ElementTransposed  Kind = "elementTransposed"
	MediaServerOffline Kind = "mediaServerOffline"
	RoomEmpty          Kind = "roomEmpty"
	MediaDtmf          Kind = "mediaDtmf"
)

// GlobalID subscribes to every identifier of a kind.
const GlobalID = "all"

// Event is one published occurrence, keyed by kind and entity identifier.
type Event struct {
	Kind       Kind
	Identifier string
	Data       any
}

type Handler func(Event)

type subKey struct {
	kind Kind
	id   string
}

// Bus is the in-process publish/subscribe fabric. Fan-out is a single keyed
// lookup; handlers run on the publisher goroutine and must not block.
type Bus struct {
	mu   sync.RWMutex
	subs map[subKey]map[int]Handler
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[subKey]map[int]Handler)}
}

// Subscribe registers h for (kind, identifier) and returns a cancel func.
func (b *Bus) Subscribe(kind Kind, identifier string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := subKey{kind, identifier}
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]Handler)
	}
	b.next++
	token := b.next
	b.subs[key][token] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hs, ok := b.subs[key]; ok {
			delete(hs, token)
			if len(hs) == 0 {
				delete(b.subs, key)
			}
		}
	}
}

// Once returns a channel that receives the next matching event, then closes.
// The subscription is removed after the first delivery or on cancel().
func (b *Bus) Once(kind Kind, identifier string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	var once sync.Once
	var cancel func()
	cancel = b.Subscribe(kind, identifier, func(ev Event) {
		once.Do(func() {
			ch <- ev
			close(ch)
			cancel()
		})
	})
	return ch, func() { once.Do(func() { close(ch); cancel() }) }
}

// Publish delivers ev to subscribers of (kind, id) and (kind, GlobalID).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, 4)
	for _, h := range b.subs[subKey{ev.Kind, ev.Identifier}] {
		targets = append(targets, h)
	}
	if ev.Identifier != GlobalID {
		for _, h := range b.subs[subKey{ev.Kind, GlobalID}] {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
	log.Debug().Str("module", "events").Str("kind", string(ev.Kind)).Str("id", ev.Identifier).Int("fanout", len(targets)).Msg("published")
}

// UnsubscribeAll drops every subscription whose identifier matches, across
// all kinds. Used when a room or client goes away.
func (b *Bus) UnsubscribeAll(identifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.subs {
		if key.id == identifier {
			delete(b.subs, key)
		}
	}
}
