// manager.go aggregates every registered adapter into one inbound
// message stream and routes outbound sends to the right adapter.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager orchestrates the registered channel adapters.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	listenWg sync.WaitGroup
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every registered adapter and begins listening.
// Adapters that fail to connect are logged and skipped; running with
// zero adapters is allowed (scheduler-only deployments).
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}
	return nil
}

// Stop disconnects every adapter and waits for the listeners to
// finish before closing the aggregated stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	close(m.messages)
}

// Messages returns the aggregated inbound stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send routes an outbound message. An empty channel name picks any
// connected adapter, for single-adapter deployments.
func (m *Manager) Send(ctx context.Context, channel string, msg *OutgoingMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if channel != "" {
		ch, ok := m.channels[channel]
		if !ok {
			return fmt.Errorf("send to %q: unknown channel", channel)
		}
		if !ch.IsConnected() {
			return fmt.Errorf("send to %q: %w", channel, ErrChannelDisconnected)
		}
		return ch.Send(ctx, msg)
	}

	for _, ch := range m.channels {
		if ch.IsConnected() {
			return ch.Send(ctx, msg)
		}
	}
	return ErrNoChannel
}

// listen forwards one adapter's stream into the aggregated channel.
func (m *Manager) listen(ch Channel) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
