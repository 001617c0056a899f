package hub

import (
	"log"
	"sync"

	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// subscription owns one FIFO queue and one delivery goroutine
type subscription struct {
	id        uint64
	roomID    string
	eventType types.EventType
	handler   interfaces.Handler
	onEvict   func()

	mu     sync.Mutex
	queue  []*types.Envelope
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(id uint64, roomID string, eventType types.EventType, handler interfaces.Handler) *subscription {
	return &subscription{
		id:        id,
		roomID:    roomID,
		eventType: eventType,
		handler:   handler,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue appends env and wakes the delivery goroutine. It returns false when
// the queue is already at limit.
func (s *subscription) enqueue(env *types.Envelope, limit int) bool {
	s.mu.Lock()
	if len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) pop() *types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	env := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return env
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for env := s.pop(); env != nil; env = s.pop() {
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(env)
		}
	}
}

func (s *subscription) deliver(env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Subscription handler panic: room=%s event=%s: %v", s.roomID, env.EventType, r)
		}
	}()
	s.handler(env)
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

// evict stops the subscription and reports the loss to its owner
func (s *subscription) evict() {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
	if first && s.onEvict != nil {
		go s.onEvict()
	}
}
