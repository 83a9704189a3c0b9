package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "info", false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clog := Component(log, "resolver")
	clog.Info().Str("chain", "base").Msg("route resolved")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["component"] != "resolver" || line["chain"] != "base" || line["message"] != "route resolved" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "", false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at default warn level, got %s", buf.String())
	}
	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn line")
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected unknown level error")
	}
}
