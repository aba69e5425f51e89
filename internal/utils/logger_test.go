package utils

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// resetLogger clears the singleton so each test starts from defaults.
func resetLogger() {
	once = sync.Once{}
	loggerInstance = nil
}

// captureStderr runs fn and returns everything it wrote to stderr.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()

	oldStderr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	os.Stderr = w

	fn()

	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	os.Stderr = oldStderr
	return buf.String()
}

func TestGetLoggerSingleton(t *testing.T) {
	resetLogger()

	if GetLogger() != GetLogger() {
		t.Error("GetLogger() should return the same instance")
	}
	if GetLogger().IsVerbose() {
		t.Error("logger should start with verbose=false")
	}
}

func TestSetVerboseMode(t *testing.T) {
	resetLogger()

	SetVerboseMode(true)
	if !GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(true) should enable verbose mode")
	}
	SetVerboseMode(false)
	if GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(false) should disable verbose mode")
	}
}

func TestDebugGatedByVerbose(t *testing.T) {
	resetLogger()

	quiet := captureStderr(t, func() {
		logger := GetLogger()
		logger.SetVerbose(false)
		logger.Debug("hidden message")
	})
	if quiet != "" {
		t.Errorf("Debug with verbose=false should produce no output, got: %q", quiet)
	}

	loud := captureStderr(t, func() {
		logger := GetLogger()
		logger.SetVerbose(true)
		logger.Debug("shown message")
	})
	if !strings.Contains(loud, "[DEBUG]") || !strings.Contains(loud, "shown message") {
		t.Errorf("Debug with verbose=true should emit the message, got: %q", loud)
	}
}

// Debug lines carry an HH:MM:SS prefix so daemon output can be correlated;
// the other levels stay bare.
func TestDebugTimestampPrefix(t *testing.T) {
	resetLogger()

	out := captureStderr(t, func() {
		logger := GetLogger()
		logger.SetVerbose(true)
		logger.Debug("format check")
	})

	linePattern := regexp.MustCompile(`^\d{2}:\d{2}:\d{2} \[DEBUG\] format check\n$`)
	if !linePattern.MatchString(out) {
		t.Errorf("expected 'HH:MM:SS [DEBUG] format check', got: %q", out)
	}

	info := captureStderr(t, func() {
		GetLogger().Info("no timestamp")
	})
	if !strings.HasPrefix(info, "[INFO]") {
		t.Errorf("Info output should start with [INFO], got: %q", info)
	}
}

func TestLogLevelPrefixes(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(string, ...interface{})
		prefix  string
	}{
		{"Debugf", Debugf, "[DEBUG]"},
		{"Infof", Infof, "[INFO]"},
		{"Warnf", Warnf, "[WARN]"},
		{"Errorf", Errorf, "[ERROR]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			SetVerboseMode(true)

			out := captureStderr(t, func() {
				tt.logFunc("formatted %s", "value")
			})
			if !strings.Contains(out, tt.prefix) {
				t.Errorf("%s should have prefix %s, got: %q", tt.name, tt.prefix, out)
			}
			if !strings.Contains(out, "formatted value") {
				t.Errorf("%s should format the message, got: %q", tt.name, out)
			}
		})
	}
}

func TestLoggerConcurrentAccess(t *testing.T) {
	resetLogger()
	logger := GetLogger()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.SetVerbose(n%2 == 0)
			_ = logger.IsVerbose()
		}(i)
	}
	wg.Wait()
}

func TestBackgroundLoggerWritesAndRotatesAtPath(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "background.log")

	bl, err := NewBackgroundLoggerWithPath(logPath)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithPath() error = %v", err)
	}
	if !bl.IsEnabled() {
		t.Fatal("logger with a writable path should be enabled")
	}
	if bl.GetLogPath() != logPath {
		t.Errorf("GetLogPath() = %s, want %s", bl.GetLogPath(), logPath)
	}

	bl.Printf("pass finished: %s", "ok")
	bl.Print("plain entry")
	bl.Println("line entry")
	bl.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{"pass finished: ok", "plain entry", "line entry"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("log should contain %q, got: %s", want, content)
		}
	}
}

// The log file is created on first write, not at construction.
func TestBackgroundLoggerLazyFileCreation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "lazy.log")

	bl, err := NewBackgroundLoggerWithPath(logPath)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithPath() error = %v", err)
	}
	defer bl.Close()

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Errorf("expected no file before the first write, stat err = %v", err)
	}

	bl.Println("first write")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("expected file after the first write, stat err = %v", err)
	}
}

func TestBackgroundLoggerDisabled(t *testing.T) {
	bl, err := NewBackgroundLoggerWithEnabled(false)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithEnabled(false) error = %v", err)
	}
	defer bl.Close()

	if bl.IsEnabled() {
		t.Error("logger should not be enabled")
	}

	// Writes go to io.Discard without error.
	bl.Printf("dropped %d", 1)
	bl.Println("dropped")
}

func TestBackgroundLoggerWriteAfterClose(t *testing.T) {
	tmpDir := t.TempDir()
	bl, err := NewBackgroundLoggerWithPath(filepath.Join(tmpDir, "closed.log"))
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithPath() error = %v", err)
	}

	bl.Close()
	if bl.IsEnabled() {
		t.Error("logger should be disabled after Close")
	}

	// Must not panic.
	bl.Printf("after close %s", "x")
	bl.Print("after close")
	bl.Println("after close")
}

func TestBackgroundLoggerDefaultPath(t *testing.T) {
	bl, err := NewBackgroundLogger()
	if err != nil {
		t.Fatalf("NewBackgroundLogger() error = %v", err)
	}
	defer func() {
		path := bl.GetLogPath()
		bl.Close()
		if path != "" {
			_ = os.Remove(path)
		}
	}()

	if !bl.IsEnabled() {
		t.Skip("background logging disabled by default")
	}

	logPath := bl.GetLogPath()
	if !strings.Contains(logPath, "todosync") {
		t.Errorf("default log path should contain 'todosync', got: %s", logPath)
	}
	if !strings.HasPrefix(logPath, os.TempDir()) && !strings.HasPrefix(logPath, "/tmp") {
		t.Errorf("default log path should be in the temp directory, got: %s", logPath)
	}
}
