package notification

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// osChannel delivers notifications through the platform's desktop
// notification mechanism.
type osChannel struct {
	config       *OSConfig
	executor     CommandExecutor
	platform     string
	sendCallback func(Notification)
}

// NewOSChannel creates a desktop notification channel for the current
// platform.
func NewOSChannel(cfg *OSConfig, opts ...Option) Channel {
	ch := &osChannel{
		config:   cfg,
		platform: runtime.GOOS,
	}

	for _, opt := range opts {
		opt(ch)
	}

	if ch.executor == nil {
		ch.executor = &realCommandExecutor{}
	}
	return ch
}

func (c *osChannel) Send(n Notification) error {
	if !c.shouldSend(n.Type) {
		return nil
	}

	if c.sendCallback != nil {
		c.sendCallback(n)
	}

	switch c.platform {
	case "linux":
		return c.sendLinux(n)
	case "darwin":
		return c.sendDarwin(n)
	case "windows":
		return c.sendWindows(n)
	default:
		return fmt.Errorf("unsupported platform: %s", c.platform)
	}
}

// shouldSend applies the per-type toggles. Test notifications always pass.
func (c *osChannel) shouldSend(t Type) bool {
	switch t {
	case NotifySyncComplete:
		return c.config.OnSyncComplete
	case NotifySyncError:
		return c.config.OnSyncError
	case NotifyConflict:
		return c.config.OnConflict
	default:
		return true
	}
}

func (c *osChannel) sendLinux(n Notification) error {
	return c.executor.Execute("notify-send", n.Title, n.Message)
}

// escapeAppleScript escapes backslashes and double quotes so user-supplied
// task titles cannot break out of the AppleScript string.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func (c *osChannel) sendDarwin(n Notification) error {
	msg := escapeAppleScript(n.Message)
	title := escapeAppleScript(n.Title)
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, msg, title)
	return c.executor.Execute("osascript", "-e", script)
}

// escapePowerShell escapes backticks, double quotes, and dollar signs to
// keep user-supplied text out of PowerShell subexpressions.
func escapePowerShell(s string) string {
	s = strings.ReplaceAll(s, "`", "``")
	s = strings.ReplaceAll(s, `"`, "`\"")
	s = strings.ReplaceAll(s, "$", "`$")
	return s
}

func (c *osChannel) sendWindows(n Notification) error {
	title := escapePowerShell(n.Title)
	msg := escapePowerShell(n.Message)
	script := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
$notification = New-Object System.Windows.Forms.NotifyIcon
$notification.Icon = [System.Drawing.SystemIcons]::Information
$notification.BalloonTipTitle = "%s"
$notification.BalloonTipText = "%s"
$notification.Visible = $true
$notification.ShowBalloonTip(5000)
`, title, msg)
	return c.executor.Execute("powershell", "-Command", script)
}

func (c *osChannel) Close() error {
	return nil
}

type realCommandExecutor struct{}

func (e *realCommandExecutor) Execute(cmd string, args ...string) error {
	return exec.Command(cmd, args...).Run()
}
