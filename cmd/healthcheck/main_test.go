package main

import "testing"

func TestProbeURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		httpAddr string
		want     string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port from HTTP_ADDR", "", ":9090", "http://localhost:9090/healthz"},
		{"host and port", "", "0.0.0.0:7070", "http://localhost:7070/healthz"},
		{"explicit url wins", "http://cohost:8080/readyz", ":9090", "http://cohost:8080/readyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.httpAddr)
			if got := probeURL(); got != tt.want {
				t.Errorf("probeURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
