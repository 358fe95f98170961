// Package main checks the local marketplace API for container health checks.
// It exits 0 when /health answers 200 within the timeout and 1 otherwise.
// MARKETPLACE_SERVER_PORT selects the port, matching the server's own
// configuration.
package main

import (
	"context"
	"net/http"
	"os"
	"time"
)

func main() {
	port := os.Getenv("MARKETPLACE_SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost:"+port+"/health", nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
