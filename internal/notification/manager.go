package notification

import (
	"todosync/internal/utils"
)

type manager struct {
	channels     []Channel
	enabled      bool
	executor     CommandExecutor
	sendCallback func(Notification)
}

// NewManager builds a Manager with the channels the config enables. A
// disabled config yields a manager that accepts sends and does nothing.
func NewManager(cfg *Config, opts ...Option) (Manager, error) {
	m := &manager{enabled: cfg.Enabled}

	for _, opt := range opts {
		opt(m)
	}

	if !cfg.Enabled {
		return m, nil
	}

	if cfg.OS.Enabled {
		var osOpts []Option
		if m.executor != nil {
			osOpts = append(osOpts, WithCommandExecutor(m.executor))
		}
		m.channels = append(m.channels, NewOSChannel(&cfg.OS, osOpts...))
	}

	if cfg.Log.Enabled {
		m.channels = append(m.channels, NewLogChannel(&cfg.Log))
	}

	return m, nil
}

// Send delivers to every channel and returns the last failure.
func (m *manager) Send(n Notification) error {
	if !m.enabled {
		return nil
	}

	if m.sendCallback != nil {
		m.sendCallback(n)
	}

	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendAsync delivers without blocking the caller. Failures are logged and
// otherwise dropped; notifications are best effort.
func (m *manager) SendAsync(n Notification) {
	go func() {
		if err := m.Send(n); err != nil {
			utils.Debugf("notification send failed: %v", err)
		}
	}()
}

func (m *manager) Close() error {
	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *manager) ChannelCount() int {
	return len(m.channels)
}
