// Package main provides a minimal probe for container health checks. It
// requests the inventory server's readiness endpoint and exits 0 when the
// server reports ready.
//
// Usage: healthcheck [url]
//
// The URL defaults to $INVENTORY_HEALTHCHECK_URL, then
// http://localhost:8080/readyz.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	if err := probe(&http.Client{Timeout: 5 * time.Second}, targetURL(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func targetURL(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if url := os.Getenv("INVENTORY_HEALTHCHECK_URL"); url != "" {
		return url
	}
	return defaultURL
}

// probe succeeds on a 2xx response whose JSON status, when present, is not
// "not_ready".
func probe(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status == "not_ready" {
		return fmt.Errorf("server not ready")
	}
	return nil
}
