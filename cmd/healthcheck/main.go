// Command healthcheck probes the co-host's liveness endpoint for container health checks.
// It exits 0 on HTTP 200 and 1 otherwise.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, probeURL(), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// probeURL uses HEALTHCHECK_URL, else /healthz on the HTTP_ADDR port of localhost.
func probeURL() string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	port := "8080"
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		if i := strings.LastIndex(addr, ":"); i >= 0 && i < len(addr)-1 {
			port = addr[i+1:]
		}
	}
	return "http://localhost:" + port + "/healthz"
}
