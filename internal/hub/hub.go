package hub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// DefaultQueueLimit bounds the backlog of a single subscription. A subscriber
// that falls this far behind is evicted and must resynchronize.
const DefaultQueueLimit = 4096

// Hub is the in-process Transport Channel. Routing state is partitioned by room:
// no lock is shared between rooms.
type Hub struct {
	rooms      sync.Map // roomID -> *roomTopics
	nextID     atomic.Uint64
	queueLimit int

	running bool
	mu      sync.RWMutex
}

// roomTopics is the routing state for one room. It exists only while the room
// has at least one subscription.
type roomTopics struct {
	mu     sync.Mutex
	closed bool
	subs   map[uint64]*subscription
}

// Stats is a point-in-time view of hub routing state
type Stats struct {
	Rooms         int `json:"rooms"`
	Subscriptions int `json:"subscriptions"`
}

// Option configures a subscription
type Option func(*subscription)

// OnEvict registers a callback invoked once if the subscription is dropped
// because its queue overflowed or the hub stopped.
func OnEvict(fn func()) Option {
	return func(s *subscription) {
		s.onEvict = fn
	}
}

// NewHub creates a stopped hub
func NewHub(queueLimit int) *Hub {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Hub{queueLimit: queueLimit}
}

// Start marks the hub as running. Cancelling ctx stops it.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting transport hub...")

	go func() {
		<-ctx.Done()
		if err := h.Stop(); err != nil && err != ErrHubNotRunning {
			log.Printf("Error stopping hub: %v", err)
		}
	}()
	return nil
}

// Stop evicts every subscription and frees all routing state
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	log.Println("Stopping transport hub...")

	h.rooms.Range(func(key, value any) bool {
		topics := value.(*roomTopics)
		topics.mu.Lock()
		subs := topics.subs
		topics.subs = nil
		topics.closed = true
		topics.mu.Unlock()
		h.rooms.CompareAndDelete(key, topics)

		for _, sub := range subs {
			sub.evict()
		}
		return true
	})
	return nil
}

// IsRunning reports whether the hub accepts publishes and subscriptions
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish wraps payload in an envelope and delivers it to every current
// subscriber of the room's event type (and of EventAll).
func (h *Hub) Publish(ctx context.Context, roomID string, eventType types.EventType, senderID string, payload any) error {
	env, err := types.NewEnvelope(roomID, eventType, senderID, payload)
	if err != nil {
		return err
	}
	return h.PublishEnvelope(ctx, env)
}

// PublishEnvelope delivers an already-built envelope. Subscribers share the
// envelope and must not mutate it.
func (h *Hub) PublishEnvelope(ctx context.Context, env *types.Envelope) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !types.IsValidID(env.RoomID) {
		return ErrInvalidRoom
	}
	if env.EventType == "" || env.EventType == types.EventAll {
		return ErrInvalidEventType
	}

	value, ok := h.rooms.Load(env.RoomID)
	if !ok {
		return nil
	}
	topics := value.(*roomTopics)

	// Enqueue under the room lock so that every subscriber observes one
	// publisher's events in issue order.
	var overflowed []*subscription
	topics.mu.Lock()
	for id, sub := range topics.subs {
		if sub.eventType != types.EventAll && sub.eventType != env.EventType {
			continue
		}
		if !sub.enqueue(env, h.queueLimit) {
			delete(topics.subs, id)
			overflowed = append(overflowed, sub)
		}
	}
	if len(topics.subs) == 0 && len(overflowed) > 0 {
		topics.closed = true
		h.rooms.CompareAndDelete(env.RoomID, topics)
	}
	topics.mu.Unlock()

	for _, sub := range overflowed {
		log.Printf("Subscription evicted on queue overflow: room=%s event=%s", sub.roomID, sub.eventType)
		sub.evict()
	}
	return nil
}

// Subscribe registers handler for eventType in roomID. The first subscription
// for a room allocates its routing state. The returned function removes the
// subscription and stops its delivery goroutine; it is safe to call twice.
func (h *Hub) Subscribe(roomID string, eventType types.EventType, handler interfaces.Handler, opts ...Option) (interfaces.Unsubscribe, error) {
	if !h.IsRunning() {
		return nil, ErrHubNotRunning
	}
	if !types.IsValidID(roomID) {
		return nil, ErrInvalidRoom
	}
	if eventType == "" {
		return nil, ErrInvalidEventType
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := newSubscription(h.nextID.Add(1), roomID, eventType, handler)
	for _, opt := range opts {
		opt(sub)
	}

	var topics *roomTopics
	for {
		value, _ := h.rooms.LoadOrStore(roomID, &roomTopics{subs: make(map[uint64]*subscription)})
		topics = value.(*roomTopics)
		topics.mu.Lock()
		if topics.closed {
			// Lost a race with the last unsubscribe; allocate fresh state.
			topics.mu.Unlock()
			continue
		}
		topics.subs[sub.id] = sub
		topics.mu.Unlock()
		break
	}

	go sub.run()

	return func() {
		h.unsubscribe(topics, sub)
	}, nil
}

func (h *Hub) unsubscribe(topics *roomTopics, sub *subscription) {
	topics.mu.Lock()
	if _, ok := topics.subs[sub.id]; ok {
		delete(topics.subs, sub.id)
		if len(topics.subs) == 0 {
			topics.closed = true
			h.rooms.CompareAndDelete(sub.roomID, topics)
		}
	}
	topics.mu.Unlock()
	sub.stop()
}

// HasRoom reports whether routing state is allocated for roomID
func (h *Hub) HasRoom(roomID string) bool {
	_, ok := h.rooms.Load(roomID)
	return ok
}

// SubscriberCount returns the number of live subscriptions in a room
func (h *Hub) SubscriberCount(roomID string) int {
	value, ok := h.rooms.Load(roomID)
	if !ok {
		return 0
	}
	topics := value.(*roomTopics)
	topics.mu.Lock()
	defer topics.mu.Unlock()
	return len(topics.subs)
}

// Stats returns the number of allocated rooms and live subscriptions
func (h *Hub) Stats() Stats {
	var stats Stats
	h.rooms.Range(func(_, value any) bool {
		topics := value.(*roomTopics)
		topics.mu.Lock()
		stats.Rooms++
		stats.Subscriptions += len(topics.subs)
		topics.mu.Unlock()
		return true
	})
	return stats
}

var _ interfaces.Channel = (*channelAdapter)(nil)

// channelAdapter narrows Hub.Subscribe to the interfaces.Channel signature
type channelAdapter struct{ *Hub }

func (c *channelAdapter) Subscribe(roomID string, eventType types.EventType, handler interfaces.Handler) (interfaces.Unsubscribe, error) {
	return c.Hub.Subscribe(roomID, eventType, handler)
}

// Channel returns the hub as an interfaces.Channel
func (h *Hub) Channel() interfaces.Channel {
	return &channelAdapter{h}
}
