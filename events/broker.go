package events

import (
	"sync"
	"time"

	"challenge-engine/logging"
	"challenge-engine/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type is the kind of event published to observers
type Type string

const (
	ChallengeCreated       Type = "challenge.created"
	ChallengeCheckedIn     Type = "challenge.checked_in"
	ChallengeStatusChanged Type = "challenge.status_changed"
	ChallengeCancelled     Type = "challenge.cancelled"
	ChallengeCompleted     Type = "challenge.completed"
	FeeAssessed            Type = "fee.assessed"
	FeeCharged             Type = "fee.charged"
	FeeFailed              Type = "fee.failed"
	FeeWaived              Type = "fee.waived"
)

// GlobalTopic receives every event.
const GlobalTopic = "global"

// ChallengeTopic is the topic for events about one challenge.
func ChallengeTopic(challengeID string) string {
	return "challenge:" + challengeID
}

// Event is a notification. It is not a durable record; observers re-read
// authoritative state from the API after reconnecting.
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// Subscription is one observer connection.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan *Event

	ch chan *Event
}

// Broker fans events out to topic subscribers. Publish never blocks: events
// are queued and delivered by a single dispatcher goroutine, and are dropped
// when the queue or a subscriber's buffer is full.
type Broker struct {
	subscribers map[string]map[*Subscription]struct{}
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	bufferSize  int
	log         zerolog.Logger
}

// NewBroker creates a broker with the given queue capacity.
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broker{
		subscribers: make(map[string]map[*Subscription]struct{}),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		bufferSize:  64,
		log:         logging.WithComponent("broker"),
	}
}

// Start begins the dispatch loop. Calling it more than once has no effect.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop ends dispatching and closes every subscription.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.startOnce.Do(func() { close(b.done) })
		<-b.done

		b.mu.Lock()
		defer b.mu.Unlock()
		for topic, subs := range b.subscribers {
			for sub := range subs {
				close(sub.ch)
			}
			delete(b.subscribers, topic)
		}
		metrics.BrokerSubscribers.Set(0)
	})
}

// Publish queues an event for delivery.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		metrics.BrokerDroppedTotal.Inc()
		b.log.Warn().Str("event_type", string(event.Type)).Str("challenge_id", event.ChallengeID).
			Msg("event queue full, dropping event")
	}
}

// Subscribe registers an observer on topic.
func (b *Broker) Subscribe(topic string) *Subscription {
	ch := make(chan *Event, b.bufferSize)
	sub := &Subscription{ID: uuid.NewString(), Topic: topic, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.stopCh:
		close(ch)
		return sub
	default:
	}

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[*Subscription]struct{})
	}
	b.subscribers[topic][sub] = struct{}{}
	metrics.BrokerSubscribers.Inc()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, sub.Topic)
	}
	close(sub.ch)
	metrics.BrokerSubscribers.Dec()
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subscribers[GlobalTopic], event)
	if event.ChallengeID != "" {
		b.deliver(b.subscribers[ChallengeTopic(event.ChallengeID)], event)
	}
}

func (b *Broker) deliver(subs map[*Subscription]struct{}, event *Event) {
	for sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// slow observer; it will re-fetch state on reconnect
			metrics.BrokerDroppedTotal.Inc()
		}
	}
}
