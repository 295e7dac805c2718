package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL renders a human-friendly URL for the configured listen address
// so startup logs show something an operator can paste into a browser.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return scheme + "://localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return fmt.Sprintf("%s://localhost%s", scheme, trimmed)
		}
		return fmt.Sprintf("%s://%s", scheme, trimmed)
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port))
}
