// Command healthcheck is the container health probe for the raid-tender
// service. By default it hits /healthz (process liveness); with -ready it
// hits /readyz instead, which also requires a fresh reconcile cycle and a
// reachable database. Exit code 0 means healthy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	flag.Parse()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	// HTTP_ADDR is a listen address; probe loopback on its port.
	port := addr[strings.LastIndex(addr, ":")+1:]
	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	url := fmt.Sprintf("http://localhost:%s%s", port, path)

	client := &http.Client{Timeout: 3 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
