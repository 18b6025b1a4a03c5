package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"warn level", "warn"},
		{"warning level", "warning"},
		{"error level", "error"},
		{"unknown defaults to info", "unknown"},
		{"empty defaults to info", ""},
		{"case insensitive", "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if logger := NewLogger(tt.level); logger == nil {
				t.Fatal("expected logger, got nil")
			}
		})
	}
}

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	connLogger := WithConnection(logger, "127.0.0.1:12345")
	connLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "conn_id=") {
		t.Error("expected conn_id in log output")
	}
	if !strings.Contains(output, "remote_addr=127.0.0.1:12345") {
		t.Error("expected remote_addr in log output")
	}
}

func TestWithConnectionIncrementsID(t *testing.T) {
	var first, second bytes.Buffer

	WithConnection(slog.New(slog.NewTextHandler(&first, nil)), "127.0.0.1:1").Info("x")
	WithConnection(slog.New(slog.NewTextHandler(&second, nil)), "127.0.0.1:2").Info("x")

	id := func(output string) string {
		for _, field := range strings.Fields(output) {
			if strings.HasPrefix(field, "conn_id=") {
				return field
			}
		}
		return ""
	}

	firstID, secondID := id(first.String()), id(second.String())
	if firstID == "" || secondID == "" {
		t.Fatal("expected conn_id in log output")
	}
	if firstID == secondID {
		t.Errorf("connection IDs not unique: %s", firstID)
	}
}

func TestWithListener(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WithListener(logger, ":25", "smtp").Info("test message")

	output := buf.String()
	if !strings.Contains(output, "listener=:25") {
		t.Error("expected listener in log output")
	}
	if !strings.Contains(output, "proto=smtp") {
		t.Error("expected proto in log output")
	}
}

func TestContextLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := context.Background()
	if FromContext(ctx) == nil {
		t.Fatal("expected default logger, got nil")
	}

	ctx = NewContext(ctx, logger)
	if FromContext(ctx) != logger {
		t.Error("expected same logger from context")
	}
}

func TestWireWriter(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var writeBuf bytes.Buffer
	ww := NewWireWriter(&writeBuf, logger, "send")

	data := []byte("250 OK\r\n")
	n, err := ww.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
	if writeBuf.String() != string(data) {
		t.Error("expected data written to underlying writer")
	}

	output := logBuf.String()
	if !strings.Contains(output, "wire") {
		t.Error("expected wire log entry")
	}
	if !strings.Contains(output, "dir=send") {
		t.Error("expected direction in log")
	}
	if !strings.Contains(output, "bytes=8") {
		t.Error("expected byte count in log")
	}
}

func TestWireReader(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	data := "RETR 1\r\n"
	wr := NewWireReader(strings.NewReader(data), logger, "recv")

	buf := make([]byte, 100)
	n, err := wr.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes read, got %d", len(data), n)
	}

	output := logBuf.String()
	if !strings.Contains(output, "wire") {
		t.Error("expected wire log entry")
	}
	if !strings.Contains(output, "dir=recv") {
		t.Error("expected direction in log")
	}
}
