package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch1, unsub1 := hub.Subscribe(4)
	ch2, unsub2 := hub.Subscribe(4)
	defer unsub1()
	defer unsub2()

	hub.Publish(Event{Type: TypeStatusChanged, AgentableID: "g1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, TypeStatusChanged, event.Type)
			assert.Equal(t, "g1", event.AgentableID)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	_, unsub := hub.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(Event{Type: TypeThinkStep})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch, unsub := hub.Subscribe(1)
	require.Equal(t, 1, hub.SubscriberCount())

	unsub()
	assert.Equal(t, 0, hub.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe must not panic.
	unsub()
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	p.Publish(Event{Type: TypeRunCompleted})
}
