package realtime

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rickgao/realtime-mux/internal/transport"
)

func TestConnectionMonitor_SignalMapping(t *testing.T) {
	obs := &recordingObserver{}
	connects := 0
	m := newConnectionMonitor(slog.Default(), obs, func() { connects++ })

	steps := []struct {
		sig  transport.Signal
		want ConnectionState
	}{
		{transport.SignalConnecting, Connecting},
		{transport.SignalOpen, Connected},
		{transport.SignalError, Disconnected},
		{transport.SignalConnecting, Reconnecting},
		{transport.SignalOpen, Connected},
		{transport.SignalClosed, Disconnected},
	}

	for i, s := range steps {
		m.apply(s.sig)
		if got := m.State(); got != s.want {
			t.Errorf("step %d: after %s state = %v, want %v", i, s.sig, got, s.want)
		}
	}

	assert.Equal(t, 2, connects)
	assert.Equal(t, []ConnectionState{Connecting, Connected, Disconnected, Reconnecting, Connected, Disconnected}, obs.transitions)
}

func TestConnectionMonitor_RepeatedSignalIsNotATransition(t *testing.T) {
	var calls int
	m := newConnectionMonitor(slog.Default(), NoopObserver{}, nil)
	m.OnChange(func(old, new ConnectionState) { calls++ })

	m.apply(transport.SignalOpen)
	m.apply(transport.SignalOpen)
	m.apply(transport.SignalClosed)
	m.apply(transport.SignalError)

	assert.Equal(t, 2, calls)
}

func TestConnectionMonitor_ListenerPanicDoesNotStopOthers(t *testing.T) {
	connects := 0
	m := newConnectionMonitor(slog.Default(), NoopObserver{}, func() { connects++ })

	var got []ConnectionState
	m.OnChange(func(old, new ConnectionState) { panic("listener") })
	m.OnChange(func(old, new ConnectionState) { got = append(got, new) })

	assert.NotPanics(t, func() {
		m.apply(transport.SignalConnecting)
		m.apply(transport.SignalOpen)
	})
	assert.Equal(t, []ConnectionState{Connecting, Connected}, got)
	assert.Equal(t, 1, connects)
}

func TestConnectionMonitor_RemoveListener(t *testing.T) {
	m := newConnectionMonitor(slog.Default(), NoopObserver{}, nil)

	var a, b int
	removeA := m.OnChange(func(old, new ConnectionState) { a++ })
	m.OnChange(func(old, new ConnectionState) { b++ })

	m.apply(transport.SignalOpen)
	removeA()
	removeA()
	m.apply(transport.SignalClosed)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "idle", ChannelIdle.String())
	assert.Equal(t, "leaving", ChannelLeaving.String())
}
