package callsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusReplaysLastEvent(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Type: EventState, Snapshot: Snapshot{State: StateJoinRequested}})
	b.Publish(Event{Type: EventState, Snapshot: Snapshot{State: StateRoomJoined}})

	ch, cancel := b.Subscribe(4)
	defer cancel()
	ev := <-ch
	assert.Equal(t, StateRoomJoined, ev.Snapshot.State)

	b.Publish(Event{Type: EventQuality})
	assert.Equal(t, EventQuality, (<-ch).Type)
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventTimer})
	}
	assert.Len(t, ch, 1)
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(2)
	b.Publish(Event{Type: EventTerminal, Snapshot: Snapshot{State: StateEnded}})
	b.Close()
	cancel()

	<-ch
	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel := b.Subscribe(1)
	defer lateCancel()
	ev, ok := <-late
	require.True(t, ok)
	assert.Equal(t, EventTerminal, ev.Type)
	_, ok = <-late
	assert.False(t, ok)

	b.Publish(Event{Type: EventState})
	last, _ := b.Last()
	assert.Equal(t, EventTerminal, last.Type)
}
