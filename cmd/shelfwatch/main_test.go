// cmd/shelfwatch/main_test.go
package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/shelfwatch/shelfwatch/internal/config"
)

func TestCLIVersion(t *testing.T) {
	version = "test-version"
	buildTime = "2026-08-30"
	gitCommit = "abc123"

	output := captureOutput(func() {
		printVersion()
	})

	if !strings.Contains(output, "test-version") {
		t.Errorf("version output should contain version, got: %s", output)
	}
	if !strings.Contains(output, "2026-08-30") {
		t.Errorf("version output should contain build time, got: %s", output)
	}
	if !strings.Contains(output, "abc123") {
		t.Errorf("version output should contain git commit, got: %s", output)
	}
}

func TestCLIHelp(t *testing.T) {
	output := captureOutput(func() {
		printUsage()
	})

	commands := []string{"run", "validate", "version", "help"}
	for _, cmd := range commands {
		if !strings.Contains(output, cmd) {
			t.Errorf("help output should contain command %q, got: %s", cmd, output)
		}
	}
}

func TestPageRequestsDeterministicOrder(t *testing.T) {
	cfg := &config.Config{
		Retailers: map[string]config.RetailerConfig{
			"zeta": {Categories: map[string]string{
				"shoes": "https://zeta.example/shoes",
				"bags":  "https://zeta.example/bags",
			}},
			"acme": {Categories: map[string]string{
				"tools": "https://acme.example/tools",
			}},
		},
	}

	requests := pageRequests(cfg)
	if len(requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(requests))
	}
	if requests[0].Retailer != "acme" || requests[0].Category != "tools" {
		t.Errorf("expected acme/tools first, got %s/%s", requests[0].Retailer, requests[0].Category)
	}
	if requests[1].Category != "bags" || requests[2].Category != "shoes" {
		t.Errorf("expected zeta categories sorted, got %s then %s",
			requests[1].Category, requests[2].Category)
	}
	if requests[1].URL != "https://zeta.example/bags" {
		t.Errorf("unexpected URL %s", requests[1].URL)
	}
}

func TestHasFlag(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"shelfwatch", "run", "config.yaml", "--verbose"}
	if !hasFlag("--verbose") {
		t.Error("expected --verbose to be detected")
	}
	if hasFlag("-v") {
		t.Error("did not expect -v to be detected")
	}
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	f()

	w.Close()
	os.Stdout = old
	return <-outC
}
