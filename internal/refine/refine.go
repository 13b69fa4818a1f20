// Package refine holds the post-completion refinement queue: follow-up
// suggestions produced after task execution, waiting for a user decision.
// The router only enqueues and lists; refinement execution is external.
package refine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
)

// Suggestion is one queued refinement.
type Suggestion struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Queue is the JSON-backed FIFO of refinement suggestions.
type Queue struct {
	mu    sync.Mutex
	items []Suggestion
	store *state.Store
	log   *slog.Logger
}

// NewQueue creates the queue, loading persisted suggestions.
func NewQueue(store *state.Store) (*Queue, error) {
	q := &Queue{
		store: store,
		log:   logging.WithComponent("refine"),
	}

	if store != nil {
		var persisted []Suggestion
		found, err := store.Load(state.FileRefineQueue, &persisted)
		if err != nil {
			return nil, err
		}
		if found {
			q.items = persisted
		}
	}
	return q, nil
}

// Add appends a suggestion and returns its id.
func (q *Queue) Add(taskID, description string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Suggestion{
		ID:          "ref-" + uuid.NewString()[:8],
		TaskID:      taskID,
		Description: description,
		CreatedAt:   time.Now(),
	}
	q.items = append(q.items, s)
	q.persistLocked()
	return s.ID
}

// Pop removes and returns the oldest suggestion, or nil when empty.
func (q *Queue) Pop() *Suggestion {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	s := q.items[0]
	q.items = q.items[1:]
	q.persistLocked()
	return &s
}

// List returns a copy of the queued suggestions.
func (q *Queue) List() []Suggestion {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Suggestion, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(state.FileRefineQueue, q.items); err != nil {
		q.log.Error("Failed to persist refinement queue", slog.String("error", err.Error()))
	}
}
