package main

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"lockstep/relay/internal/config"
)

// originChecker enforces the Origin header once TLS is enabled. Plain-HTTP
// deployments sit behind their own perimeter, and loopback peers bypass the
// check so local tooling keeps working.
func originChecker(cfg *config.Config) func(r *http.Request) bool {
	tlsEnabled := cfg.TLSCertPath != ""
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		if !tlsEnabled {
			return true
		}
		if isLoopback(r.RemoteAddr) {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return false
		}
		if _, ok := allowed[strings.ToLower(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(parsed.Hostname())]
		return ok
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
