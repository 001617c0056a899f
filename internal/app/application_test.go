package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"roomsync/internal/api"
	"roomsync/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "roomsync.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.Secret = "application-test-secret"
	return cfg
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1
	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("Expected invalid configuration to fail")
	}
}

func TestApplication_StartServeStop(t *testing.T) {
	app, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := app.Start(ctx); err == nil {
		t.Error("Second Start should fail")
	}

	base := "http://" + app.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health.Status != "healthy" {
		t.Errorf("Expected healthy 200, got %d %q", resp.StatusCode, health.Status)
	}

	body, _ := json.Marshal(map[string]any{
		"id":          "room-app",
		"name":        "Algebra",
		"teacher_id":  "t1",
		"student_ids": []string{"s1"},
		"duration":    time.Hour,
	})
	resp, err = http.Post(base+"/api/rooms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Create request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	room, err := app.Sessions().GetRoom(ctx, "room-app")
	if err != nil {
		t.Fatalf("Room not persisted: %v", err)
	}
	if room.TeacherID != "t1" {
		t.Errorf("Expected teacher t1, got %s", room.TeacherID)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
	if _, err := http.Get(base + "/health"); err == nil {
		t.Error("Server should no longer accept requests")
	}
}

func TestApplication_RestoresActiveRooms(t *testing.T) {
	cfg := testConfig(t)

	first, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	body, _ := json.Marshal(map[string]any{
		"id":         "room-restore",
		"name":       "Biology",
		"teacher_id": "t1",
		"duration":   time.Hour,
	})
	resp, err := http.Post("http://"+first.Addr()+"/api/rooms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Create request failed: %v", err)
	}
	resp.Body.Close()
	if _, err := first.Sessions().Activate(ctx, "room-restore", "t1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer second.dbManager.Close()
	if !second.Sessions().IsActive("room-restore") {
		t.Error("Active room should be restored on restart")
	}
}
