package main

import "testing"

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    string
	}{
		"port_only":           {address: ":43180", want: "http://localhost:43180"},
		"empty_address":       {address: "", want: "http://localhost"},
		"explicit_localhost":  {address: "localhost:8000", want: "http://localhost:8000"},
		"explicit_ipv4_any":   {address: "0.0.0.0:9000", want: "http://localhost:9000"},
		"explicit_ipv4_local": {address: "127.0.0.1:43180", want: "http://127.0.0.1:43180"},
		"explicit_ipv6_any":   {address: "[::]:43180", want: "http://localhost:43180"},
		"tls_enabled":         {address: ":43180", tls: true, want: "https://localhost:43180"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := listenerURL(tc.address, tc.tls)
			if got != tc.want {
				t.Fatalf("listenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.want)
			}
		})
	}
}
