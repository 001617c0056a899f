package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"roomsync/pkg/types"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(0)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

// collector records delivered envelopes
type collector struct {
	mu   sync.Mutex
	envs []*types.Envelope
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(env *types.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) received(n int) bool {
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			return false
		}
	}
	return true
}

func (c *collector) wait(t *testing.T, n int) []*types.Envelope {
	t.Helper()
	if !c.received(n) {
		t.Fatalf("timed out waiting for %d events", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Envelope(nil), c.envs...)
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(0)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_ContextCancellationStops(t *testing.T) {
	h := NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for h.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("hub still running after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_NotRunning(t *testing.T) {
	h := NewHub(0)
	if err := h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning on publish, got %v", err)
	}
	if _, err := h.Subscribe("room-1", types.EventAll, func(*types.Envelope) {}); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning on subscribe, got %v", err)
	}
}

func TestHub_SubscribeValidation(t *testing.T) {
	h := startHub(t)

	if _, err := h.Subscribe("bad room", types.EventAll, func(*types.Envelope) {}); err != ErrInvalidRoom {
		t.Errorf("expected ErrInvalidRoom, got %v", err)
	}
	if _, err := h.Subscribe("room-1", "", func(*types.Envelope) {}); err != ErrInvalidEventType {
		t.Errorf("expected ErrInvalidEventType, got %v", err)
	}
	if _, err := h.Subscribe("room-1", types.EventAll, nil); err != ErrNilHandler {
		t.Errorf("expected ErrNilHandler, got %v", err)
	}
	if err := h.Publish(context.Background(), "room-1", types.EventAll, "alice", nil); err != ErrInvalidEventType {
		t.Errorf("publishing the wildcard should fail, got %v", err)
	}
}

func TestHub_RoutingStateLifecycle(t *testing.T) {
	h := startHub(t)

	if h.HasRoom("room-1") {
		t.Fatal("no routing state expected before first subscribe")
	}

	unsubA, err := h.Subscribe("room-1", types.EventAll, func(*types.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	unsubB, err := h.Subscribe("room-1", types.EventChatMessage, func(*types.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !h.HasRoom("room-1") {
		t.Error("first subscribe should allocate routing state")
	}
	if got := h.SubscriberCount("room-1"); got != 2 {
		t.Errorf("expected 2 subscribers, got %d", got)
	}

	unsubA()
	if !h.HasRoom("room-1") {
		t.Error("routing state freed while a subscriber remains")
	}

	unsubB()
	unsubB() // idempotent
	if h.HasRoom("room-1") {
		t.Error("last unsubscribe should free routing state")
	}
	if stats := h.Stats(); stats.Rooms != 0 || stats.Subscriptions != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestHub_PublishToRoomWithoutSubscribers(t *testing.T) {
	h := startHub(t)
	if err := h.Publish(context.Background(), "empty-room", types.EventChatMessage, "alice", nil); err != nil {
		t.Errorf("publishing to an empty room should succeed, got %v", err)
	}
	if h.HasRoom("empty-room") {
		t.Error("publish must not allocate routing state")
	}
}

func TestHub_TopicFiltering(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	chat := newCollector()
	all := newCollector()
	unsubChat, _ := h.Subscribe("room-1", types.EventChatMessage, chat.handle)
	defer unsubChat()
	unsubAll, _ := h.Subscribe("room-1", types.EventAll, all.handle)
	defer unsubAll()

	other := newCollector()
	unsubOther, _ := h.Subscribe("room-2", types.EventAll, other.handle)
	defer unsubOther()

	_ = h.Publish(ctx, "room-1", types.EventPresenceJoined, "alice", nil)
	_ = h.Publish(ctx, "room-1", types.EventChatMessage, "alice", map[string]string{"text": "hi"})

	got := all.wait(t, 2)
	if got[0].EventType != types.EventPresenceJoined || got[1].EventType != types.EventChatMessage {
		t.Errorf("wildcard subscriber got %s, %s", got[0].EventType, got[1].EventType)
	}

	chatGot := chat.wait(t, 1)
	if len(chatGot) != 1 || chatGot[0].EventType != types.EventChatMessage {
		t.Errorf("chat subscriber got %v", chatGot)
	}

	select {
	case <-other.ch:
		t.Error("room-2 subscriber received a room-1 event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublisherOrderPreserved(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	subs := make([]*collector, 3)
	for i := range subs {
		subs[i] = newCollector()
		unsub, err := h.Subscribe("room-1", types.EventAll, subs[i].handle)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer unsub()
	}

	const n = 200
	for i := 0; i < n; i++ {
		if err := h.Publish(ctx, "room-1", types.EventChatMessage, "teacher", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for s, c := range subs {
		envs := c.wait(t, n)
		for i, env := range envs {
			var payload map[string]int
			if err := env.Decode(&payload); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if payload["seq"] != i {
				t.Fatalf("subscriber %d: event %d carried seq %d", s, i, payload["seq"])
			}
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := startHub(t)

	release := make(chan struct{})
	slow, _ := h.Subscribe("room-1", types.EventAll, func(*types.Envelope) { <-release })
	defer slow()

	fast := newCollector()
	unsub, _ := h.Subscribe("room-1", types.EventAll, fast.handle)
	defer unsub()

	for i := 0; i < 10; i++ {
		_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)
	}
	fast.wait(t, 10)
	close(release)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := startHub(t)
	c := newCollector()
	unsub, _ := h.Subscribe("room-1", types.EventAll, c.handle)

	_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)
	c.wait(t, 1)

	unsub()
	_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)

	select {
	case <-c.ch:
		t.Error("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_OverflowEvictsSubscriber(t *testing.T) {
	h := NewHub(2)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	block := make(chan struct{})
	evicted := make(chan struct{})
	unsub, _ := h.Subscribe("room-1", types.EventAll, func(*types.Envelope) { <-block }, OnEvict(func() { close(evicted) }))
	defer unsub()

	for i := 0; i < 10; i++ {
		_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)
	}

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected overflowing subscriber to be evicted")
	}
	close(block)
	if h.HasRoom("room-1") {
		t.Error("evicting the last subscriber should free routing state")
	}
}

func TestHub_HandlerPanicIsContained(t *testing.T) {
	h := startHub(t)
	c := newCollector()
	calls := 0
	unsub, _ := h.Subscribe("room-1", types.EventAll, func(env *types.Envelope) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		c.handle(env)
	})
	defer unsub()

	_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)
	_ = h.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil)
	c.wait(t, 1)
}

func TestHub_ConcurrentRooms(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for r := 0; r < 20; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			roomID := fmt.Sprintf("room-%d", r)
			c := newCollector()
			unsub, err := h.Subscribe(roomID, types.EventAll, c.handle)
			if err != nil {
				t.Errorf("Subscribe failed: %v", err)
				return
			}
			defer unsub()
			for i := 0; i < 5; i++ {
				_ = h.Publish(ctx, roomID, types.EventChatMessage, "alice", nil)
			}
			if !c.received(5) {
				t.Errorf("%s: timed out waiting for events", roomID)
			}
		}(r)
	}
	wg.Wait()

	if stats := h.Stats(); stats.Rooms != 0 {
		t.Errorf("expected all rooms freed, got %+v", stats)
	}
}

func TestHub_StopEvictsSubscriptions(t *testing.T) {
	h := NewHub(0)
	_ = h.Start(context.Background())

	evicted := make(chan struct{})
	_, _ = h.Subscribe("room-1", types.EventAll, func(*types.Envelope) {}, OnEvict(func() { close(evicted) }))

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("Stop should evict live subscriptions")
	}
	if h.HasRoom("room-1") {
		t.Error("Stop should free routing state")
	}
}

func TestHub_Channel(t *testing.T) {
	h := startHub(t)
	ch := h.Channel()
	c := newCollector()
	unsub, err := ch.Subscribe("room-1", types.EventAll, c.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()
	if err := ch.Publish(context.Background(), "room-1", types.EventChatMessage, "alice", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	c.wait(t, 1)
}
