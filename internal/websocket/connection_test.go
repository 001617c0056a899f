package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomsync/pkg/codec"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// createConnPair returns the server side of an upgraded socket and the
// client that dialed it
func createConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Server never accepted the connection")
	}
	return server, client
}

func newTestConnection(t *testing.T, c codec.Codec) (*Connection, *websocket.Conn) {
	t.Helper()
	server, client := createConnPair(t)
	conn := NewConnection(server, c, DefaultSettings())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

func TestConnection_Credentials(t *testing.T) {
	conn, _ := newTestConnection(t, nil)

	if conn.IsAuthenticated() {
		t.Error("New connection should not be authenticated")
	}
	if err := conn.SetCredentials("s1", "Ada", types.RoleStudent, "room-1"); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}
	if !conn.IsAuthenticated() {
		t.Error("Connection should be authenticated after SetCredentials")
	}
	if conn.GetParticipantID() != "s1" || conn.GetDisplayName() != "Ada" ||
		conn.GetRole() != types.RoleStudent || conn.GetRoomID() != "room-1" {
		t.Error("Credentials not stored")
	}

	if err := conn.SetCredentials("s1", "Ada", "admin", "room-1"); !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
	if err := conn.SetCredentials("bad id", "Ada", types.RoleStudent, "room-1"); !errors.Is(err, types.ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
}

func TestConnection_WriteEnvelopeJSON(t *testing.T) {
	conn, client := newTestConnection(t, codec.JSON{})

	env, _ := types.NewEnvelope("room-1", types.EventChatMessage, "s1", types.ChatPayload{Text: "hi"})
	if err := conn.WriteEnvelope(env); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Errorf("Expected text frame, got %d", messageType)
	}
	got, err := codec.JSON{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.ID != env.ID || got.EventType != types.EventChatMessage {
		t.Errorf("Unexpected envelope: %+v", got)
	}
}

func TestConnection_WriteEnvelopeCBOR(t *testing.T) {
	conn, client := newTestConnection(t, codec.CBOR{})

	env, _ := types.NewEnvelope("room-1", types.EventPresenceLeft, "s1", types.PresenceLeftPayload{ParticipantID: "s1"})
	if err := conn.WriteEnvelope(env); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Errorf("Expected binary frame, got %d", messageType)
	}
	got, err := codec.CBOR{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var payload types.PresenceLeftPayload
	if err := got.Decode(&payload); err != nil || payload.ParticipantID != "s1" {
		t.Errorf("Payload not preserved: %+v (%v)", payload, err)
	}
}

func TestConnection_WriteOrder(t *testing.T) {
	conn, client := newTestConnection(t, nil)

	const count = 50
	var sent []string
	for i := 0; i < count; i++ {
		env, _ := types.NewEnvelope("room-1", types.EventChatMessage, "s1", nil)
		sent = append(sent, env.ID)
		if err := conn.WriteEnvelope(env); err != nil {
			t.Fatalf("WriteEnvelope %d failed: %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < count; i++ {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
		got, _ := codec.JSON{}.Decode(data)
		if got.ID != sent[i] {
			t.Fatalf("Frame %d out of order", i)
		}
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	conn, client := newTestConnection(t, nil)

	const writers, perWriter = 10, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				env, _ := types.NewEnvelope("room-1", types.EventChatMessage, "s1", nil)
				if err := conn.WriteEnvelope(env); err != nil {
					t.Errorf("WriteEnvelope failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < writers*perWriter; i++ {
		if _, _, err := client.ReadMessage(); err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t, nil)

	if err := conn.Close(); err != nil {
		t.Errorf("First Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	env, _ := types.NewEnvelope("room-1", types.EventChatMessage, "s1", nil)
	if err := conn.WriteEnvelope(env); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_ClientDisconnectClosesWriter(t *testing.T) {
	conn, client := newTestConnection(t, nil)
	_ = client.Close()

	// Writes eventually fail once the socket is gone
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env, _ := types.NewEnvelope("room-1", types.EventChatMessage, "s1", nil)
		if err := conn.WriteEnvelope(env); errors.Is(err, ErrConnectionClosed) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected writer to close after client disconnect")
}

func TestConnection_CloseAfterFlush(t *testing.T) {
	conn, client := newTestConnection(t, nil)

	env, _ := types.NewEnvelope("room-1", types.EventRoomStatusChanged, "t1",
		types.RoomStatusPayload{RoomID: "room-1", Status: types.RoomEnded})
	if err := conn.WriteEnvelope(env); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	conn.CloseAfterFlush()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("Queued frame lost before close: %v", err)
	}
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal close, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Error("Connection should be closed after flush")
	}
}
