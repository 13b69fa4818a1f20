// Package bus is the active-context broadcast channel. Every task lifecycle
// change is published as an event record; UI channels subscribe rather than
// co-owning router state.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTaskAccepted   EventType = "task-accepted"
	EventTaskDeduped    EventType = "task-deduped"
	EventPlanCreated    EventType = "plan-created"
	EventPlanApproval   EventType = "plan-awaiting-approval"
	EventStepStarted    EventType = "step-started"
	EventStepCompleted  EventType = "step-completed"
	EventStepFailed     EventType = "step-failed"
	EventStepSkipped    EventType = "step-skipped"
	EventTaskCompleted  EventType = "task-completed"
	EventTaskFailed     EventType = "task-failed"
	EventBreakerChanged EventType = "breaker-changed"
	EventGovernorTuned  EventType = "governor-tuned"
	EventShadowScored   EventType = "shadow-scored"
	EventModelPromoted  EventType = "model-promoted"
)

// Event is one lifecycle record.
type Event struct {
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	PlanID    string            `json:"plan_id,omitempty"`
	Backend   string            `json:"backend,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// replayBufferSize bounds the recent-event buffer handed to new subscribers.
const replayBufferSize = 200

// subscriberBufferSize is each subscriber's channel depth. Slow subscribers
// drop events rather than blocking the publisher.
const subscriberBufferSize = 64

// Bus fans lifecycle events out to subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	recent      []Event
	store       *state.Store
	log         *slog.Logger
}

// New creates a Bus. The store, when set, receives a snapshot of recent
// events on every publish.
func New(store *state.Store) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		store:       store,
		log:         logging.WithComponent("bus"),
	}
}

// Publish broadcasts an event. Publishing never blocks: subscribers whose
// buffers are full miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > replayBufferSize {
		b.recent = b.recent[len(b.recent)-replayBufferSize:]
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.log.Debug("Subscriber lagging, event dropped", slog.Int("subscriber", id))
		}
	}
	b.persistLocked()
	b.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns a copy of the replay buffer.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}

type snapshot struct {
	Events []Event `json:"events"`
}

func (b *Bus) persistLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(state.FileActiveContext, snapshot{Events: b.recent}); err != nil {
		b.log.Error("Failed to persist active context", slog.String("error", err.Error()))
	}
}
