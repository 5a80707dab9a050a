// Package events provides in-process pub/sub for pipeline progress,
// feeding the SSE stream endpoint. Delivery is best-effort: a subscriber
// that cannot keep up loses events rather than stalling the pipeline.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types delivered on connector channels.
const (
	EventTypePipelineStarted   = "pipeline.started"
	EventTypePhaseCompleted    = "phase.completed"
	EventTypePipelineCompleted = "pipeline.completed"
	EventTypePipelineFailed    = "pipeline.failed"
	EventTypePipelineCancelled = "pipeline.cancelled"
)

// PipelineEvent is the payload delivered to stream subscribers.
type PipelineEvent struct {
	Type            string    `json:"type"`
	ThreadID        string    `json:"thread_id"`
	ConnectorName   string    `json:"connector_name"`
	ConnectorType   string    `json:"connector_type"`
	Phase           string    `json:"phase"`
	Status          string    `json:"status"`
	CoverageRatio   float64   `json:"coverage_ratio"`
	TestRetries     int       `json:"test_retries"`
	GenFixRetries   int       `json:"gen_fix_retries"`
	ReviewRetries   int       `json:"review_retries"`
	ResearchRetries int       `json:"research_retries"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConnectorChannel returns the channel name for a connector's events.
// Format: "<type>:<name>".
func ConnectorChannel(connectorType, connectorName string) string {
	return connectorType + ":" + connectorName
}

// subscriberBuffer bounds each subscriber's queue. A full queue drops the
// event for that subscriber only.
const subscriberBuffer = 64

type subscriber struct {
	id int
	ch chan PipelineEvent
}

// Broadcaster fans pipeline events out to per-channel subscribers.
// One instance per process, shared by the runner (publish side) and the
// SSE handlers (subscribe side).
type Broadcaster struct {
	mu       sync.Mutex
	nextID   int
	channels map[string][]*subscriber
	logger   *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		channels: make(map[string][]*subscriber),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber on a channel. The returned cancel
// function removes the subscription and closes the event channel; it is
// safe to call more than once.
func (b *Broadcaster) Subscribe(channel string) (<-chan PipelineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan PipelineEvent, subscriberBuffer)}
	b.channels[channel] = append(b.channels[channel], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(channel, sub) })
	}
	return sub.ch, cancel
}

func (b *Broadcaster) unsubscribe(channel string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[channel]
	for i, s := range subs {
		if s.id == sub.id {
			b.channels[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of the channel. Slow
// subscribers with a full buffer are skipped.
func (b *Broadcaster) Publish(channel string, event PipelineEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.channels[channel] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"channel", channel, "type", event.Type, "thread_id", event.ThreadID)
		}
	}
}

// SubscriberCount returns the number of subscribers on a channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}
