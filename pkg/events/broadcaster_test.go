package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishReachesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	channel := ConnectorChannel("source", "github")

	ch1, cancel1 := b.Subscribe(channel)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(channel)
	defer cancel2()

	b.Publish(channel, PipelineEvent{Type: EventTypePhaseCompleted, ThreadID: "pipeline-github-aabbccdd", Phase: "tester"})

	for _, ch := range []<-chan PipelineEvent{ch1, ch2} {
		evt := <-ch
		assert.Equal(t, EventTypePhaseCompleted, evt.Type)
		assert.Equal(t, "tester", evt.Phase)
		assert.False(t, evt.Timestamp.IsZero(), "timestamp is stamped at publish")
	}
}

func TestBroadcaster_ChannelsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)

	github, cancelGithub := b.Subscribe(ConnectorChannel("source", "github"))
	defer cancelGithub()
	stripe, cancelStripe := b.Subscribe(ConnectorChannel("source", "stripe"))
	defer cancelStripe()

	b.Publish(ConnectorChannel("source", "github"), PipelineEvent{Type: EventTypePipelineStarted})

	assert.Len(t, github, 1)
	assert.Empty(t, stripe)
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	channel := ConnectorChannel("source", "github")

	ch, cancel := b.Subscribe(channel)
	require.Equal(t, 1, b.SubscriberCount(channel))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount(channel))
	_, open := <-ch
	assert.False(t, open)

	cancel() // second call is a no-op

	// Publishing to a channel with no subscribers is fine.
	b.Publish(channel, PipelineEvent{Type: EventTypePipelineCompleted})
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	channel := ConnectorChannel("source", "github")

	slow, cancelSlow := b.Subscribe(channel)
	defer cancelSlow()

	// Overfill the subscriber buffer without draining.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(channel, PipelineEvent{Type: EventTypePhaseCompleted})
	}

	assert.Len(t, slow, subscriberBuffer, "excess events are dropped, not queued")

	// A fresh subscriber still receives new events.
	fresh, cancelFresh := b.Subscribe(channel)
	defer cancelFresh()
	b.Publish(channel, PipelineEvent{Type: EventTypePipelineCompleted})
	evt := <-fresh
	assert.Equal(t, EventTypePipelineCompleted, evt.Type)
}
