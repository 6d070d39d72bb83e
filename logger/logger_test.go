package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) (string, func()) {
	t.Helper()
	Reset()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-debug.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	return logPath, func() {
		Reset()
	}
}

func TestGet(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	log := Get()
	if log == nil {
		t.Fatal("Get() returned nil")
	}

	// Should not panic
	log.Info("test message")
	log.Debug("debug message", "key", "value")
	log.Warn("warning", "count", 42)
	log.Error("error occurred", "err", "something failed")
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := Get()
	log.Info("command executed", "command", "Get-Date", "elapsed", 12)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)

	if !strings.Contains(contentStr, "command executed") {
		t.Error("Should contain message")
	}
	if !strings.Contains(contentStr, "command=Get-Date") {
		t.Error("Should contain command=Get-Date")
	}
	if !strings.Contains(contentStr, "elapsed=12") {
		t.Error("Should contain elapsed=12")
	}
}

func TestWithSession(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := WithSession("sess-123")
	log.Info("session event")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "sessionID=sess-123") {
		t.Error("Should contain sessionID attribute")
	}
}

func TestWithComponent(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := WithComponent("session")
	log.Info("component event")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "component=session") {
		t.Error("Should contain component attribute")
	}
}

func TestSetDebug(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	// Debug disabled by default
	Get().Debug("hidden message")

	SetDebug(true)
	Get().Debug("visible message")
	SetDebug(false)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	contentStr := string(content)

	if strings.Contains(contentStr, "hidden message") {
		t.Error("Debug message should be suppressed before SetDebug(true)")
	}
	if !strings.Contains(contentStr, "visible message") {
		t.Error("Debug message should be written after SetDebug(true)")
	}
}

func TestInit_Idempotent(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	// Second Init with a different path is a no-op
	other := filepath.Join(t.TempDir(), "other.log")
	if err := Init(other); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	Get().Info("after second init")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "after second init") {
		t.Error("Log output should still go to the original path")
	}
}

func TestClose(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	// Close should not panic
	Close()
}
