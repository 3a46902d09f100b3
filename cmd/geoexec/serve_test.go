package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const startupTimeout = 10 * time.Second

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestServeEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts the full service")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "geoexec.yaml")
	writeConfig := func(maxAsync int) {
		body := fmt.Appendf(nil, "limits:\n  max_synchronous_processes: 2\n  max_asynchronous_processes: %d\n", maxAsync)
		if err := os.WriteFile(cfgPath, body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	writeConfig(1)

	addr := freeAddr(t)
	t.Setenv("GEOEXEC_LISTEN_ADDR", addr)
	t.Setenv("GEOEXEC_DB_PATH", filepath.Join(dir, "test.db"))
	t.Setenv("GEOEXEC_LOG_LEVEL", "error")
	configFile = cfgPath
	t.Cleanup(func() { configFile = "" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(startupTimeout):
			t.Error("serve did not stop")
		}
	})

	base := "http://" + addr
	waitFor(t, "healthz", func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/executions",
		bytes.NewBufferString(`{"process":"gs:Echo","mode":"sync","inputs":{"x":1}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Remote-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/executions: %v", err)
	}
	var out struct {
		Status struct {
			Phase string `json:"phase"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if out.Status.Phase != "SUCCEEDED" {
		t.Errorf("phase = %q, want SUCCEEDED", out.Status.Phase)
	}

	maxAsync := func() int {
		resp, err := http.Get(base + "/v1/stats")
		if err != nil {
			return -1
		}
		defer resp.Body.Close()
		var stats struct {
			Limits struct {
				MaxAsync int `json:"max_asynchronous_processes"`
			} `json:"limits"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return -1
		}
		return stats.Limits.MaxAsync
	}
	if got := maxAsync(); got != 1 {
		t.Fatalf("max_asynchronous_processes = %d, want 1", got)
	}

	// Rewrite slower than the reload debounce until the watcher is live.
	deadline := time.Now().Add(startupTimeout)
	for maxAsync() != 3 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for limits reload")
		}
		writeConfig(3)
		time.Sleep(time.Second)
	}
}
