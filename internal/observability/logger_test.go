package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("cache", &buf)

	l.Info("opened", "path", "/tmp/aircache.db")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "cache" {
		t.Errorf("component = %v, want cache", entry["component"])
	}
	if entry["msg"] != "opened" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["path"] != "/tmp/aircache.db" {
		t.Errorf("path = %v", entry["path"])
	}
}

func TestLogger_CacheEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("cache", &buf)

	l.CacheEvent("expired", "city:42", "ttl_ms", 60000)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["event"] != "expired" {
		t.Errorf("event = %v", entry["event"])
	}
	if entry["key"] != "city:42" {
		t.Errorf("key = %v", entry["key"])
	}
}

func TestLogger_QueueEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("syncqueue", &buf)

	l.QueueEvent("replayed", 7)

	out := buf.String()
	if !strings.Contains(out, `"item_id":7`) {
		t.Errorf("output missing item_id: %s", out)
	}
	if !strings.Contains(out, `"event":"replayed"`) {
		t.Errorf("output missing event: %s", out)
	}
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("cache", &buf)
	sub := l.Named("quota")

	if sub.Component() != "quota" {
		t.Errorf("Component = %q, want quota", sub.Component())
	}

	sub.Info("sweep complete")
	if !strings.Contains(buf.String(), `"component":"quota"`) {
		t.Error("sub-logger did not carry its component field")
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", &buf)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d log lines, want 4", len(lines))
	}
	for i, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		if !strings.Contains(lines[i], `"level":"`+level+`"`) {
			t.Errorf("line %d missing level %s: %s", i, level, lines[i])
		}
	}
}
