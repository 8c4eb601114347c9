package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	var got []Event
	cancel := bus.Subscribe(MediaConnected, "room-1", func(ev Event) {
		got = append(got, ev)
	})
	defer cancel()

	bus.Publish(Event{Kind: MediaConnected, Identifier: "room-1", Data: "a"})
	bus.Publish(Event{Kind: MediaConnected, Identifier: "room-2", Data: "b"})
	bus.Publish(Event{Kind: MediaDisconnected, Identifier: "room-1", Data: "c"})

	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Data)
}

func TestGlobalSubscriber(t *testing.T) {
	bus := NewBus()
	count := 0
	cancel := bus.Subscribe(UserJoined, GlobalID, func(Event) { count++ })
	defer cancel()

	bus.Publish(Event{Kind: UserJoined, Identifier: "room-1"})
	bus.Publish(Event{Kind: UserJoined, Identifier: "room-2"})
	require.Equal(t, 2, count)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	cancel := bus.Subscribe(RoomCreated, "r", func(Event) { count++ })
	bus.Publish(Event{Kind: RoomCreated, Identifier: "r"})
	cancel()
	bus.Publish(Event{Kind: RoomCreated, Identifier: "r"})
	require.Equal(t, 1, count)
}

func TestOnce(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Once(ElementTransposed, "key")
	defer cancel()

	bus.Publish(Event{Kind: ElementTransposed, Identifier: "key", Data: "elem"})
	bus.Publish(Event{Kind: ElementTransposed, Identifier: "key", Data: "elem2"})

	ev, ok := <-ch
	require.True(t, ok)
	require.Equal(t, "elem", ev.Data)
	_, ok = <-ch
	require.False(t, ok, "channel closes after first delivery")
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus()
	count := 0
	bus.Subscribe(RoomDestroyed, "room-1", func(Event) { count++ })
	bus.Subscribe(UserLeft, "room-1", func(Event) { count++ })
	bus.Subscribe(UserLeft, "room-2", func(Event) { count++ })

	bus.UnsubscribeAll("room-1")
	bus.Publish(Event{Kind: RoomDestroyed, Identifier: "room-1"})
	bus.Publish(Event{Kind: UserLeft, Identifier: "room-1"})
	bus.Publish(Event{Kind: UserLeft, Identifier: "room-2"})
	require.Equal(t, 1, count)
}
