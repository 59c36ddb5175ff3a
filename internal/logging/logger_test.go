package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, WarnLevel)

	log.Debug("noise")
	log.Info("also noise")
	log.Warn("slow page")
	log.Error("page failed")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Errorf("below-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] slow page") || !strings.Contains(out, "[ERROR] page failed") {
		t.Errorf("missing expected lines: %q", out)
	}
}

func TestFieldsAreSortedAndInherited(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, InfoLevel).
		WithField("retailer", "acme").
		WithFields(map[string]interface{}{"tier": "proxy_fetch", "category": "shoes"})

	log.Info("page done")

	out := buf.String()
	if !strings.Contains(out, "category=shoes retailer=acme tier=proxy_fetch") {
		t.Errorf("fields not sorted or missing: %q", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, InfoLevel)
	parent.WithField("retailer", "acme").Info("child line")

	buf.Reset()
	parent.Info("parent line")
	if strings.Contains(buf.String(), "retailer") {
		t.Errorf("parent logger inherited child field: %q", buf.String())
	}
}

func TestFormattedVariants(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, DebugLevel)
	log.Debugf("fetched %d items in %s", 48, "1.2s")

	if !strings.Contains(buf.String(), "fetched 48 items in 1.2s") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"  WARN ": WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"":        InfoLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	// Must not panic and must accept every call.
	log := Discard()
	log.Error("dropped")
	log.WithField("k", "v").Infof("dropped %d", 1)
}
