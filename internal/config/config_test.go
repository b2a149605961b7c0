package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WebSocket.Port != 8765 {
		t.Fatalf("expected default websocket port, got %d", cfg.WebSocket.Port)
	}
	if cfg.Queue.MaxSize != 1000 {
		t.Fatalf("expected default queue size, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected mock engine default, got %q", cfg.Engine.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "ttsd.yaml")
	body := []byte(`
websocket:
  port: 9001
  max_sessions_per_ip: 3
queue:
  max_size: 50
engine:
  mode: exec
  command: "synth --stream"
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WebSocket.Port != 9001 {
		t.Fatalf("expected port override, got %d", cfg.WebSocket.Port)
	}
	if cfg.WebSocket.MaxSessionsPerIP != 3 {
		t.Fatalf("expected quota override, got %d", cfg.WebSocket.MaxSessionsPerIP)
	}
	if cfg.Queue.MaxSize != 50 {
		t.Fatalf("expected queue size override, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "synth --stream" {
		t.Fatalf("expected engine override, got %+v", cfg.Engine)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_TTS_QUEUE_MAX_SIZE", "25")
	t.Setenv("LOQA_TTS_WS_MAX_SESSIONS_PER_IP", "2")
	t.Setenv("LOQA_TTS_WS_SESSION_TIMEOUT_SEC", "120")
	t.Setenv("LOQA_TTS_ENGINE_VOICE", "en-1")
	t.Setenv("LOQA_TTS_BUS_ENABLED", "true")
	t.Setenv("LOQA_TTS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_TTS_BUS_EMBEDDED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.MaxSize != 25 {
		t.Fatalf("expected queue size 25, got %d", cfg.Queue.MaxSize)
	}
	if cfg.WebSocket.MaxSessionsPerIP != 2 {
		t.Fatalf("expected quota 2, got %d", cfg.WebSocket.MaxSessionsPerIP)
	}
	if cfg.WebSocket.SessionTimeoutSec != 120 {
		t.Fatalf("expected session timeout 120, got %d", cfg.WebSocket.SessionTimeoutSec)
	}
	if cfg.Engine.Voice != "en-1" {
		t.Fatalf("expected voice override, got %q", cfg.Engine.Voice)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 bus servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_TTS_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsBadRetentionMode(t *testing.T) {
	t.Setenv("LOQA_TTS_EVENT_STORE_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for retention mode")
	}
}
