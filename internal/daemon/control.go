package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	socketPath string
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Notify asks the daemon to run a sweep now.
func (c *Client) Notify() error {
	_, err := c.roundTrip(Message{Type: "notify"})
	return err
}

// Status returns the daemon's current state.
func (c *Client) Status() (*Response, error) {
	return c.roundTrip(Message{Type: "status"})
}

// Stop asks the daemon to shut down and waits for the acknowledgement.
func (c *Client) Stop() error {
	_, err := c.roundTrip(Message{Type: "stop"})
	return err
}

func (c *Client) roundTrip(msg Message) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fork spawns a detached daemon process running `todosync daemon run`. The
// child re-reads the config file, so only the config path is forwarded.
func Fork(cfg *Config) error {
	executable := cfg.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	args := []string{"daemon", "run"}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release daemon process: %w", err)
	}
	return nil
}

// IsRunning reports whether a live daemon owns the PID file and answers on
// the socket. A PID file left by a dead process is removed.
func IsRunning(pidPath, socketPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// FindProcess always succeeds on unix; signal 0 probes for existence.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		return false
	}

	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		// Process exists but the socket is dead; treat as not running.
		return false
	}
	_ = conn.Close()
	return true
}

// GetSocketPath returns the default control socket path.
func GetSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "todosync", "daemon.sock")
	}
	return fmt.Sprintf("/tmp/todosync-daemon-%d.sock", os.Getuid())
}

// GetPIDPath returns the default PID file path.
func GetPIDPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "todosync", "daemon.pid")
	}
	return fmt.Sprintf("/tmp/todosync-daemon-%d.pid", os.Getuid())
}
