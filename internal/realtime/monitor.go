package realtime

import (
	"log/slog"
	"sync"

	"github.com/rickgao/realtime-mux/internal/transport"
)

// ConnectionMonitor holds the single ConnectionState, derived only from
// transport connectivity signals.
type ConnectionMonitor struct {
	logger   *slog.Logger
	observer Observer

	// onConnected runs after listeners on every transition into Connected.
	onConnected func()

	mu            sync.Mutex
	state         ConnectionState
	everConnected bool
	listeners     []listener
	nextID        uint64
}

type listener struct {
	id uint64
	fn func(old, new ConnectionState)
}

func newConnectionMonitor(logger *slog.Logger, observer Observer, onConnected func()) *ConnectionMonitor {
	return &ConnectionMonitor{
		logger:      logger,
		observer:    observer,
		onConnected: onConnected,
		state:       Disconnected,
	}
}

// State returns the current connection state.
func (m *ConnectionMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn to run on every transition, after the listeners
// registered before it. The returned func removes it.
func (m *ConnectionMonitor) OnChange(fn func(old, new ConnectionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// apply maps a transport signal to a state and notifies listeners.
// Only the registry pump calls it, so transitions are serialised.
func (m *ConnectionMonitor) apply(sig transport.Signal) {
	m.mu.Lock()
	old := m.state
	next := old
	switch sig {
	case transport.SignalConnecting:
		if m.everConnected {
			next = Reconnecting
		} else {
			next = Connecting
		}
	case transport.SignalOpen:
		next = Connected
		m.everConnected = true
	case transport.SignalClosed, transport.SignalError:
		next = Disconnected
	}

	if next == old {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", old.String(), "to", next.String(), "signal", sig.String())
	m.observer.ConnectionStateChanged(old, next)

	for _, l := range listeners {
		m.notify(l, old, next)
	}

	if next == Connected && m.onConnected != nil {
		m.onConnected()
	}
}

func (m *ConnectionMonitor) notify(l listener, old, next ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection state listener panicked", "panic", r)
		}
	}()
	l.fn(old, next)
}
