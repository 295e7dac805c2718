package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("address = %q", cfg.Address)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("max message bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.HashSyncInterval != DefaultHashSyncInterval {
		t.Fatalf("hash sync interval = %d", cfg.HashSyncInterval)
	}
	if cfg.FrameBroadcastInterval != DefaultFrameBroadcastInterval {
		t.Fatalf("frame broadcast interval = %d", cfg.FrameBroadcastInterval)
	}
	if cfg.ControllerTimeout != DefaultControllerTimeout {
		t.Fatalf("controller timeout = %s", cfg.ControllerTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9999")
	t.Setenv("RELAY_MAX_MESSAGE_BYTES", "1234")
	t.Setenv("RELAY_CONTROLLER_TIMEOUT", "2s")
	t.Setenv("RELAY_HASH_SYNC_INTERVAL", "60")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "a.example, b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9999" {
		t.Fatalf("address = %q", cfg.Address)
	}
	if cfg.MaxMessageBytes != 1234 {
		t.Fatalf("max message bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.ControllerTimeout != 2*time.Second {
		t.Fatalf("controller timeout = %s", cfg.ControllerTimeout)
	}
	if cfg.HashSyncInterval != 60 {
		t.Fatalf("hash sync interval = %d", cfg.HashSyncInterval)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "a.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadCollectsProblems(t *testing.T) {
	t.Setenv("RELAY_MAX_MESSAGE_BYTES", "zero")
	t.Setenv("RELAY_CONTROLLER_TIMEOUT", "-1s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "RELAY_MAX_MESSAGE_BYTES") || !strings.Contains(err.Error(), "RELAY_CONTROLLER_TIMEOUT") {
		t.Fatalf("error must name every problem: %v", err)
	}
}

func TestLoadRequiresMatchedTLSPair(t *testing.T) {
	t.Setenv("RELAY_TLS_CERT", "/tmp/cert.pem")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "RELAY_TLS_CERT") {
		t.Fatalf("expected TLS pairing error, got %v", err)
	}
}
