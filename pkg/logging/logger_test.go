// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
		{Level(-1), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"garbage", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevel_Constants(t *testing.T) {
	// Verify ordering: Debug < Info < Warn < Error
	if LevelDebug >= LevelInfo {
		t.Error("LevelDebug should be < LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("LevelInfo should be < LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("LevelWarn should be < LevelError")
	}
}

// =============================================================================
// Logger Constructor Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	defer logger.Close()
}

func TestNew_AllLevels(t *testing.T) {
	levels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			logger := New(Config{Level: level, Quiet: true})
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			defer logger.Close()
		})
	}
}

func TestNew_WithService(t *testing.T) {
	logger := New(Config{
		Service: "test-service",
		Quiet:   true,
	})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.config.Service != "test-service" {
		t.Errorf("Service = %v, want test-service", logger.config.Service)
	}
	defer logger.Close()
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "test",
		Quiet:   true,
	})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	defer logger.Close()

	if logger.file == nil {
		t.Error("logger.file is nil when LogDir specified")
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(files) == 0 {
		t.Error("No log file created in LogDir")
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir: tmpDir,
		Quiet:  true,
	})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	defer logger.Close()

	// Falls back to the "dataplane" service name.
	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	found := false
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "dataplane_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected log file with 'dataplane_' prefix")
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	logger := New(Config{
		LogDir: string([]byte{0}) + "/not/creatable",
		Quiet:  true,
	})
	if logger == nil {
		t.Fatal("New() returned nil even with invalid LogDir")
	}
	defer logger.Close()
	// Still works, just without file logging.
	if logger.file != nil {
		t.Error("logger.file should be nil for invalid path")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	if logger.config.Level != LevelInfo {
		t.Errorf("Default level = %v, want LevelInfo", logger.config.Level)
	}
	if logger.config.Service != "dataplane" {
		t.Errorf("Default service = %v, want dataplane", logger.config.Service)
	}
	defer logger.Close()
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	// Must not panic.
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")
}

// =============================================================================
// Logger Method Tests
// =============================================================================

func TestLogger_With(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()

	childLogger := logger.With("request_id", "abc123")
	if childLogger == nil {
		t.Fatal("With() returned nil")
	}
	childLogger.Info("request started")
}

func TestLogger_With_SharesResources(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "test",
		Quiet:   true,
	})
	defer logger.Close()

	childLogger := logger.With("child", true)
	if childLogger.file != logger.file {
		t.Error("Child logger should share file handle")
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()

	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

func TestLogger_Close_NoResources(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

func TestLogger_Close_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "test",
		Quiet:   true,
	})

	logger.Info("test")

	if err := logger.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
	if logger.file != nil {
		t.Error("logger.file should be nil after Close()")
	}
	// Second Close is a no-op.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() returned error: %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Quiet: true})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent log", "n", n)
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// multiHandler Tests
// =============================================================================

func TestMultiHandler_Enabled(t *testing.T) {
	debugOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	warnOpts := &slog.HandlerOptions{Level: slog.LevelWarn}

	var buf bytes.Buffer
	h1 := slog.NewTextHandler(&buf, debugOpts)
	h2 := slog.NewTextHandler(&buf, warnOpts)

	mh := &multiHandler{handlers: []slog.Handler{h1, h2}}

	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be enabled")
	}
	if !mh.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be enabled")
	}
	if !mh.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Warn should be enabled")
	}
}

func TestMultiHandler_Enabled_NoneEnabled(t *testing.T) {
	opts := &slog.HandlerOptions{Level: slog.LevelError}
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, opts)

	mh := &multiHandler{handlers: []slog.Handler{h}}

	if mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should not be enabled")
	}
}

func TestMultiHandler_Handle(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	h1 := slog.NewTextHandler(&buf1, opts)
	h2 := slog.NewTextHandler(&buf2, opts)

	mh := &multiHandler{handlers: []slog.Handler{h1, h2}}

	record := slog.Record{}
	record.Level = slog.LevelInfo
	record.Message = "test message"

	if err := mh.Handle(context.Background(), record); err != nil {
		t.Errorf("Handle() returned error: %v", err)
	}
	if buf1.Len() == 0 {
		t.Error("buf1 should have content")
	}
	if buf2.Len() == 0 {
		t.Error("buf2 should have content")
	}
}

func TestMultiHandler_Handle_LevelFiltering(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h1 := slog.NewTextHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelDebug})
	h2 := slog.NewTextHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelError})

	mh := &multiHandler{handlers: []slog.Handler{h1, h2}}

	record := slog.Record{}
	record.Level = slog.LevelInfo

	_ = mh.Handle(context.Background(), record)

	if buf1.Len() == 0 {
		t.Error("buf1 should have content")
	}
	if buf2.Len() != 0 {
		t.Error("buf2 should be empty")
	}
}

func TestMultiHandler_Handle_Error(t *testing.T) {
	h := &errorHandler{err: errors.New("handler error")}
	mh := &multiHandler{handlers: []slog.Handler{h}}

	record := slog.Record{}
	record.Level = slog.LevelInfo

	if err := mh.Handle(context.Background(), record); err == nil {
		t.Error("Expected error from Handle()")
	}
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, nil)
	mh := &multiHandler{handlers: []slog.Handler{h}}

	attrs := []slog.Attr{slog.String("key", "value")}
	newHandler := mh.WithAttrs(attrs)

	if newHandler == nil {
		t.Fatal("WithAttrs() returned nil")
	}
	if _, ok := newHandler.(*multiHandler); !ok {
		t.Error("WithAttrs() should return *multiHandler")
	}
}

func TestMultiHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, nil)
	mh := &multiHandler{handlers: []slog.Handler{h}}

	newHandler := mh.WithGroup("group")

	if newHandler == nil {
		t.Fatal("WithGroup() returned nil")
	}
	if _, ok := newHandler.(*multiHandler); !ok {
		t.Error("WithGroup() should return *multiHandler")
	}
}

func TestMultiHandler_Empty(t *testing.T) {
	mh := &multiHandler{handlers: []slog.Handler{}}

	if mh.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Empty multiHandler should not be enabled")
	}

	record := slog.Record{}
	if err := mh.Handle(context.Background(), record); err != nil {
		t.Errorf("Handle() returned error: %v", err)
	}
}

// errorHandler is a handler that always fails.
type errorHandler struct {
	err error
}

func (h *errorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *errorHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.err
}

func (h *errorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *errorHandler) WithGroup(name string) slog.Handler {
	return h
}

// =============================================================================
// Helper Function Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~/.dataplane/logs", filepath.Join(home, ".dataplane/logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := expandPath(tt.input)
			if got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Integration Tests
// =============================================================================

func TestLogger_FileContent(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  tmpDir,
		Service: "file-test",
		Quiet:   true,
	})

	logger.Info("test message", "key", "value")
	logger.Close()

	files, _ := os.ReadDir(tmpDir)
	if len(files) == 0 {
		t.Fatal("No log file created")
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	// File logs are JSON.
	if !strings.Contains(string(content), "test message") {
		t.Error("Log file should contain 'test message'")
	}
	if !strings.Contains(string(content), "\"key\":\"value\"") {
		t.Error("Log file should contain key-value pair in JSON format")
	}
	if !strings.Contains(string(content), "\"service\":\"file-test\"") {
		t.Error("Log file should carry the service attribute")
	}
}
