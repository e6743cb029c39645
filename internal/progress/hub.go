package progress

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EventTypeProvisioningStatus tags job progress events.
const EventTypeProvisioningStatus = "provisioning_status"

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 16

// ErrHubUnavailable is returned when subscribing to a nil hub.
var ErrHubUnavailable = errors.New("progress hub unavailable")

// Event is the payload pushed to observers after every committed batch.
type Event struct {
	Type      string    `json:"type"`
	LogID     uuid.UUID `json:"logId"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	CreatedBy string    `json:"-"`
}

// Completed reports whether the event marks the end of the job.
func (e Event) Completed() bool {
	return e.Processed >= e.Total
}

// Publisher receives progress events. Delivery is best effort; implementations
// must not block the caller for long and never report errors back.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Hub is an in-process publish/subscribe hub keyed by acting user. Events are
// delivered at most once to the subscribers connected at publish time.
type Hub struct {
	mu               sync.RWMutex
	topics           map[string]*topic
	subscriberBuffer int
}

type topic struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// Subscription is one observer of a user's events.
type Subscription struct {
	hub  *Hub
	user string
	id   uint64
	ch   chan Event
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics:           make(map[string]*topic),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish fans the event out to the subscribers of event.CreatedBy. Slow
// subscribers whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, event Event) {
	if h == nil {
		return
	}
	user := normalizeUser(event.CreatedBy)
	if user == "" {
		return
	}
	h.mu.RLock()
	current := h.topics[user]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	subs := make([]chan Event, 0, len(current.subs))
	for _, ch := range current.subs {
		subs = append(subs, ch)
	}
	current.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers an observer for the given user's events.
func (h *Hub) Subscribe(user string) (*Subscription, error) {
	if h == nil {
		return nil, ErrHubUnavailable
	}
	key := normalizeUser(user)
	if key == "" {
		return nil, errors.New("subscriber identity is required")
	}

	// Registration happens under h.mu so unsubscribe cannot drop the topic
	// between lookup and insert.
	h.mu.Lock()
	current := h.topics[key]
	if current == nil {
		current = &topic{subs: make(map[uint64]chan Event)}
		h.topics[key] = current
	}
	current.mu.Lock()
	id := current.nextID
	current.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	current.subs[id] = ch
	current.mu.Unlock()
	h.mu.Unlock()

	return &Subscription{hub: h, user: key, id: id, ch: ch}, nil
}

// Subscribers returns how many observers are attached to a user.
func (h *Hub) Subscribers(user string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	current := h.topics[normalizeUser(user)]
	h.mu.RUnlock()
	if current == nil {
		return 0
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	return len(current.subs)
}

func (h *Hub) unsubscribe(user string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.topics[user]
	if current == nil {
		return
	}
	current.mu.Lock()
	delete(current.subs, id)
	empty := len(current.subs) == 0
	current.mu.Unlock()
	if empty {
		delete(h.topics, user)
	}
}

// Events returns the channel the subscription receives on.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.user, s.id)
	})
}

func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}
