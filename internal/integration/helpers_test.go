package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomsync/internal/app"
	"roomsync/internal/auth"
	"roomsync/internal/client"
	"roomsync/internal/config"
	"roomsync/internal/reconnect"
	"roomsync/pkg/types"
)

const testSecret = "integration-secret"

// classroom is a running server plus the helpers to drive it
type classroom struct {
	t      *testing.T
	config *config.Config
	app    *app.Application
	signer *auth.Signer
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "roomsync.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.Auth.Secret = testSecret
	return cfg
}

// startClassroom runs an application on cfg until the test ends
func startClassroom(t *testing.T, cfg *config.Config) *classroom {
	t.Helper()
	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	signer, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		t.Fatal(err)
	}
	return &classroom{t: t, config: cfg, app: application, signer: signer}
}

func (c *classroom) url(path string) string {
	return "http://" + c.app.Addr() + path
}

func (c *classroom) token(pid string, role types.Role, rooms ...string) string {
	c.t.Helper()
	token, err := c.signer.Sign(pid, strings.ToUpper(pid), role, rooms, time.Hour)
	if err != nil {
		c.t.Fatalf("Sign failed: %v", err)
	}
	return token
}

// createRoom creates a room through the REST API, scheduled to start now
func (c *classroom) createRoom(id, teacher string, students ...string) {
	c.t.Helper()
	body, _ := json.Marshal(map[string]any{
		"id":          id,
		"name":        "Room " + id,
		"teacher_id":  teacher,
		"student_ids": students,
		"duration":    time.Hour,
	})
	resp, err := http.Post(c.url("/api/rooms"), "application/json", bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("Create room failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("Expected 201 creating %s, got %d", id, resp.StatusCode)
	}
}

// request sends a REST request and decodes a JSON response into out
func (c *classroom) request(method, path, token string, out any) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.url(path), nil)
	if err != nil {
		c.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// participant builds a disconnected client for pid in roomID
func (c *classroom) participant(roomID, pid string, role types.Role, codec string) *client.Client {
	c.t.Helper()
	participant, err := client.New(client.Config{
		URL:    "ws://" + c.app.Addr() + "/ws",
		RoomID: roomID,
		Token:  c.token(pid, role, roomID),
		Codec:  codec,
		Policy: reconnect.Policy{InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2, MaxAttempts: 5},
	})
	if err != nil {
		c.t.Fatalf("client.New failed: %v", err)
	}
	c.t.Cleanup(func() { _ = participant.Close() })
	return participant
}

// join builds a client and connects it
func (c *classroom) join(roomID, pid string, role types.Role, codec string) *client.Client {
	c.t.Helper()
	participant := c.participant(roomID, pid, role, codec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := participant.Connect(ctx); err != nil {
		c.t.Fatalf("%s failed to join %s: %v", pid, roomID, err)
	}
	return participant
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
