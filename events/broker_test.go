package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_TopicAndGlobalDelivery(t *testing.T) {
	b := NewBroker(16)
	b.Start()
	t.Cleanup(b.Stop)

	global := b.Subscribe(GlobalTopic)
	c1 := b.Subscribe(ChallengeTopic("c1"))
	c2 := b.Subscribe(ChallengeTopic("c2"))
	assert.Equal(t, 3, b.SubscriberCount())

	b.Publish(&Event{Type: ChallengeCreated, ChallengeID: "c1"})

	e := receive(t, c1)
	assert.Equal(t, ChallengeCreated, e.Type)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, e.ID, receive(t, global).ID)
	assertNothing(t, c2)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(16)
	b.Start()
	t.Cleanup(b.Stop)

	sub := b.Subscribe(ChallengeTopic("c1"))
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBroker_StopClosesSubscriptions(t *testing.T) {
	b := NewBroker(16)
	b.Start()
	sub := b.Subscribe(GlobalTopic)

	b.Stop()
	b.Stop()
	_, ok := <-sub.C
	assert.False(t, ok)

	// unsubscribing after stop must not close twice
	b.Unsubscribe(sub)

	late := b.Subscribe(GlobalTopic)
	_, ok = <-late.C
	assert.False(t, ok)

	b.Publish(&Event{Type: FeeCharged})
}

func TestBroker_DropsWhenQueueFull(t *testing.T) {
	b := NewBroker(1)
	sub := b.Subscribe(GlobalTopic)

	b.Publish(&Event{Type: FeeAssessed})
	b.Publish(&Event{Type: FeeCharged})

	b.Start()
	t.Cleanup(b.Stop)
	assert.Equal(t, FeeAssessed, receive(t, sub).Type)
	assertNothing(t, sub)
}

func TestBroker_StopWithoutStart(t *testing.T) {
	b := NewBroker(4)
	sub := b.Subscribe(GlobalTopic)
	b.Stop()
	_, ok := <-sub.C
	assert.False(t, ok)
}
