package main

import (
	"net/http/httptest"
	"testing"

	"lockstep/relay/internal/config"
)

func TestOriginCheckerDisabledWithoutTLS(t *testing.T) {
	check := originChecker(&config.Config{})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !check(req) {
		t.Fatal("plain HTTP deployments must not enforce origins")
	}
}

func TestOriginCheckerEnforcesAllowList(t *testing.T) {
	cfg := &config.Config{
		TLSCertPath:    "/tmp/cert.pem",
		TLSKeyPath:     "/tmp/key.pem",
		AllowedOrigins: []string{"game.example"},
	}
	check := originChecker(cfg)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("Origin", "https://game.example")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}

	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatal("unlisted origin accepted")
	}

	req.Header.Del("Origin")
	if check(req) {
		t.Fatal("missing origin accepted")
	}
}

func TestOriginCheckerLoopbackBypass(t *testing.T) {
	cfg := &config.Config{
		TLSCertPath: "/tmp/cert.pem",
		TLSKeyPath:  "/tmp/key.pem",
	}
	check := originChecker(cfg)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "127.0.0.1:5353"
	req.Header.Set("Origin", "https://anything.example")
	if !check(req) {
		t.Fatal("loopback peers must bypass the origin check")
	}
}
