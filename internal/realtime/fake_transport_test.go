package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rickgao/realtime-mux/internal/transport"
)

// fakeTransport is an in-memory transport driven by the test.
type fakeTransport struct {
	signals  chan transport.Signal
	messages chan transport.Message

	mu         sync.Mutex
	joins      map[string]int
	leaves     map[string]int
	joined     map[string]bool
	joinErrs   map[string][]error // queued results, consumed first
	rejectAll  map[string]error   // result once the queue is empty
	joinGate   map[string]chan struct{}
	onAck      map[string]func() // runs after a join is accepted, before it returns
	leaveGate  map[string]chan struct{}
	sent       []sentEvent
	duplicates int // joins while the name was already joined
	connected  bool
}

type sentEvent struct {
	channel string
	event   string
	payload []byte
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		signals:   make(chan transport.Signal, 64),
		messages:  make(chan transport.Message, 1024),
		joins:     make(map[string]int),
		leaves:    make(map[string]int),
		joined:    make(map[string]bool),
		joinErrs:  make(map[string][]error),
		rejectAll: make(map[string]error),
		joinGate:  make(map[string]chan struct{}),
		onAck:     make(map[string]func()),
		leaveGate: make(map[string]chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Signals() <-chan transport.Signal   { return f.signals }
func (f *fakeTransport) Messages() <-chan transport.Message { return f.messages }

func (f *fakeTransport) JoinChannel(ctx context.Context, name string) error {
	f.mu.Lock()
	f.joins[name]++
	gate := f.joinGate[name]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.ErrTimeout
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return transport.ErrNotConnected
	}
	if q := f.joinErrs[name]; len(q) > 0 {
		f.joinErrs[name] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	} else if err := f.rejectAll[name]; err != nil {
		return err
	}

	if f.joined[name] {
		f.duplicates++
	}
	f.joined[name] = true

	if ack := f.onAck[name]; ack != nil {
		f.mu.Unlock()
		ack()
		f.mu.Lock()
	}
	return nil
}

func (f *fakeTransport) LeaveChannel(ctx context.Context, name string) error {
	f.mu.Lock()
	f.leaves[name]++
	gate := f.leaveGate[name]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, name)
	return nil
}

func (f *fakeTransport) SendOnChannel(ctx context.Context, name, eventType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return transport.ErrNotConnected
	}
	if !f.joined[name] {
		return transport.ErrNotJoined
	}
	f.sent = append(f.sent, sentEvent{channel: name, event: eventType, payload: payload})
	return nil
}

// open reports the socket as connected.
func (f *fakeTransport) open() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.signals <- transport.SignalConnecting
	f.signals <- transport.SignalOpen
}

// drop reports a socket loss: every joined channel gets a per-channel error,
// then the closed signal.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	lost := make([]string, 0, len(f.joined))
	for name := range f.joined {
		lost = append(lost, name)
	}
	f.joined = make(map[string]bool)
	f.mu.Unlock()

	for _, name := range lost {
		f.messages <- transport.Message{Channel: name, Err: transport.ErrConnectionLost, ReceivedAt: time.Now()}
	}
	f.signals <- transport.SignalClosed
}

// reconnect reports the socket as connected again.
func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.signals <- transport.SignalConnecting
	f.signals <- transport.SignalOpen
}

func (f *fakeTransport) event(channel, eventType, payload string) {
	f.messages <- transport.Message{
		Channel:    channel,
		Type:       eventType,
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func (f *fakeTransport) revoke(channel string) {
	f.mu.Lock()
	delete(f.joined, channel)
	f.mu.Unlock()
	f.messages <- transport.Message{
		Channel:    channel,
		Err:        &transport.ChannelError{Channel: channel, Reason: "revoked"},
		ReceivedAt: time.Now(),
	}
}

func (f *fakeTransport) queueJoinErrors(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinErrs[name] = append(f.joinErrs[name], errs...)
}

func (f *fakeTransport) rejectJoins(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAll[name] = err
}

func (f *fakeTransport) gateJoins(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.joinGate[name] = gate
	return gate
}

// afterAck runs fn between accepting a join for name and returning from
// JoinChannel, the window where a real transport already routes frames.
func (f *fakeTransport) afterAck(name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAck[name] = fn
}

func (f *fakeTransport) gateLeaves(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.leaveGate[name] = gate
	return gate
}

func (f *fakeTransport) joinCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[name]
}

func (f *fakeTransport) leaveCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves[name]
}

func (f *fakeTransport) isJoined(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[name]
}

func (f *fakeTransport) duplicateJoins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duplicates
}

func (f *fakeTransport) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

// pendingEarly reports how many events are held for an in-flight join.
func (h *ChannelHandle) pendingEarly() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.early)
}

// recordingObserver keeps the notifications tests assert on.
type recordingObserver struct {
	NoopObserver

	mu          sync.Mutex
	retries     []retryRecord
	failures    int
	delivered   int
	dropped     int
	transitions []ConnectionState
	removed     []string
}

type retryRecord struct {
	channel string
	attempt int
	delay   time.Duration
}

func (o *recordingObserver) ConnectionStateChanged(old, new ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, new)
}

func (o *recordingObserver) RetryScheduled(channel string, attempt int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, retryRecord{channel, attempt, delay})
}

func (o *recordingObserver) CallbackFailed(channel, subscriber string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *recordingObserver) EventDelivered(channel string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered++
}

func (o *recordingObserver) EventDropped(channel, subscriber string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) ChannelRemoved(channel string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, channel)
}

func (o *recordingObserver) retryRecords(channel string) []retryRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []retryRecord
	for _, r := range o.retries {
		if r.channel == channel {
			out = append(out, r)
		}
	}
	return out
}

func (o *recordingObserver) callbackFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}
