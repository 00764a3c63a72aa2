package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "text", "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("trace line")
	if !strings.Contains(buf.String(), `"msg":"trace line"`) {
		t.Fatalf("expected JSON msg field, got %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, "xml", "info"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, "text", "verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestWarnAttachesSource(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Warn("careful")
	if !strings.Contains(buf.String(), "source") {
		t.Fatalf("expected source attribute on warn, got %q", buf.String())
	}
}
