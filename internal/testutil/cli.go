// Package testutil provides shared helpers for in-process CLI tests. Every
// helper isolates state under t.TempDir(): config file, database, metadata
// cache, history, daemon paths, and a mock keyring.
package testutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"todosync/cmd/todosync/cmd"
	"todosync/internal/store"
	"todosync/internal/vault"
)

// TestUser is the user id written into every test config.
const TestUser = "alice"

// CLITest runs CLI commands in process against isolated paths.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	keyring    *vault.MockKeyring
	tmpDir     string
	configPath string
	dbPath     string

	baseURL       string
	daemonEnabled bool
	keysBlock     string
}

// NewCLITest creates a CLI test helper with a fresh config carrying one
// inline vault key, so commands that need credentials work without keyring
// setup. The provider base URL points at a closed port until SetBaseURL
// aims it at a test server.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	c := &CLITest{
		t:          t,
		keyring:    vault.NewMockKeyring(),
		tmpDir:     tmpDir,
		configPath: filepath.Join(tmpDir, "config.yaml"),
		dbPath:     filepath.Join(tmpDir, "test.db"),
		baseURL:    "http://127.0.0.1:0",
	}
	c.writeConfig()

	c.cfg = &cmd.Config{
		NoPrompt:         true,
		ConfigPath:       c.configPath,
		DBPath:           c.dbPath,
		CacheDir:         filepath.Join(tmpDir, "cache"),
		HistoryPath:      filepath.Join(tmpDir, "history.db"),
		Keyring:          c.keyring,
		DaemonPIDPath:    filepath.Join(tmpDir, "daemon.pid"),
		DaemonSocketPath: filepath.Join(tmpDir, "daemon.sock"),
		DaemonLogPath:    filepath.Join(tmpDir, "daemon.log"),
	}
	return c
}

// testKeyMaterial is a fixed 32-byte key, base64 for the config file.
func testKeyMaterial() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x6b}, vault.KeySize))
}

func (c *CLITest) writeConfig() {
	c.t.Helper()

	keys := c.keysBlock
	if keys == "" {
		keys = fmt.Sprintf("  active_key: v1\n  keys:\n    - id: v1\n      material: %s\n", testKeyMaterial())
	}

	content := fmt.Sprintf(`database: %s
user: %s
vault:
%sproviders:
  todoist:
    enabled: true
    base_url: %s
    max_retries: 1
    timeout: 5s
sync:
  page_limit: 50
  daemon:
    enabled: %t
history:
  enabled: true
`, c.dbPath, TestUser, keys, c.baseURL, c.daemonEnabled)

	if err := os.WriteFile(c.configPath, []byte(content), 0644); err != nil {
		c.t.Fatalf("write config file: %v", err)
	}
}

// BreakVaultKeys replaces the configured keys with a keyring-sourced key the
// mock keyring has never seen, so loading key material fails from then on.
func (c *CLITest) BreakVaultKeys() {
	c.t.Helper()
	c.keysBlock = "  active_key: v9\n  keys:\n    - id: v9\n      source: keyring\n"
	c.writeConfig()
}

// SetBaseURL points the provider at a test server. Commands re-read the
// config on every Execute, so this takes effect immediately.
func (c *CLITest) SetBaseURL(url string) {
	c.t.Helper()
	c.baseURL = url
	c.writeConfig()
}

// EnableDaemon turns on daemon autostart in the config.
func (c *CLITest) EnableDaemon() {
	c.t.Helper()
	c.daemonEnabled = true
	c.writeConfig()
}

// SetInput feeds interactive prompts; it also switches prompts into their
// plain line-based mode.
func (c *CLITest) SetInput(r io.Reader) {
	c.cfg.Input = r
}

// SetNoPrompt toggles no-prompt mode on the injected config.
func (c *CLITest) SetNoPrompt(v bool) {
	c.cfg.NoPrompt = v
}

// Config returns the injected CLI configuration.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the test's temporary directory.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// DBPath returns the path to the test database.
func (c *CLITest) DBPath() string {
	return c.dbPath
}

// Keyring returns the mock keyring backing vault key storage.
func (c *CLITest) Keyring() *vault.MockKeyring {
	return c.keyring
}

// OpenStore opens the test database directly for seeding and inspection.
// Closed automatically when the test ends.
func (c *CLITest) OpenStore() *store.Store {
	c.t.Helper()

	st, err := store.New(c.dbPath)
	if err != nil {
		c.t.Fatalf("open store: %v", err)
	}
	c.t.Cleanup(func() { _ = st.Close() })
	return st
}

// ConnectWithToken stores a credential for the test user by running the
// connect command with the token in the environment.
func (c *CLITest) ConnectWithToken(token string) {
	c.t.Helper()
	c.t.Setenv("TODOSYNC_TOKEN", token)
	c.MustExecute("connect")
}

// Execute runs a CLI command and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, c.cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		t.Errorf("expected result code %q but output is empty", expectedCode)
		return
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)
