package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Config configures a WebSocket transport.
type Config struct {
	URL    string
	Header http.Header // Extra handshake headers
	Codec  Codec       // Defaults to JSON

	// HeaderFunc, when set, is called before every dial and its headers
	// are merged over Header. Used for per-handshake signatures.
	HeaderFunc func() (http.Header, error)

	HandshakeTimeout time.Duration
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Connection is stale after this long without ping/pong
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration // Join/leave reply wait when ctx has no deadline
	BufferSize       int           // Messages channel capacity

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		Codec:              JSONCodec{},
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        90 * time.Second,
		WriteTimeout:       5 * time.Second,
		RequestTimeout:     10 * time.Second,
		BufferSize:         1000,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Connected      bool
	JoinedChannels []string
	PendingReplies int
	Dials          int64
	DialFailures   int64
	Dropped        int64 // Inbound events dropped on a full buffer
}

type pendingRequest struct {
	event string
	topic string
	reply chan Envelope
}

// WebSocket is a Transport over a single gorilla/websocket connection. A
// supervisor goroutine redials with exponential backoff until Disconnect.
type WebSocket struct {
	cfg    Config
	codec  Codec
	logger *slog.Logger

	signals  chan Signal
	messages chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	conn       *websocket.Conn
	started    bool
	closed     bool
	lastPingAt time.Time

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	ref       int64 // Atomic counter

	joinedMu sync.Mutex
	joined   map[string]struct{}

	dials        atomic.Int64
	dialFailures atomic.Int64
	dropped      atomic.Int64
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket transport. Nothing is dialed until Connect.
func NewWebSocket(cfg Config, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Codec == nil {
		cfg.Codec = defaults.Codec
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}

	return &WebSocket{
		cfg:      cfg,
		codec:    cfg.Codec,
		logger:   logger,
		signals:  make(chan Signal, 16),
		messages: make(chan Message, cfg.BufferSize),
		pending:  make(map[int64]*pendingRequest),
		joined:   make(map[string]struct{}),
	}
}

// Connect starts the connection supervisor and returns immediately.
// Connectivity is reported on Signals.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}
	if w.started {
		return nil
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()
	return nil
}

// Disconnect closes the connection and stops reconnecting. Signals and
// Messages are closed once the supervisor exits.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}

	w.wg.Wait()
	return nil
}

// Signals returns the connectivity channel.
func (w *WebSocket) Signals() <-chan Signal {
	return w.signals
}

// Messages returns the inbound message channel.
func (w *WebSocket) Messages() <-chan Message {
	return w.messages
}

// IsConnected reports whether a socket is currently open.
func (w *WebSocket) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

// Stats returns a snapshot of transport counters.
func (w *WebSocket) Stats() Stats {
	w.joinedMu.Lock()
	joined := make([]string, 0, len(w.joined))
	for name := range w.joined {
		joined = append(joined, name)
	}
	w.joinedMu.Unlock()
	sort.Strings(joined)

	w.pendingMu.Lock()
	pending := len(w.pending)
	w.pendingMu.Unlock()

	return Stats{
		Connected:      w.IsConnected(),
		JoinedChannels: joined,
		PendingReplies: pending,
		Dials:          w.dials.Load(),
		DialFailures:   w.dialFailures.Load(),
		Dropped:        w.dropped.Load(),
	}
}

// JoinChannel sends a join request and waits for the server's reply.
func (w *WebSocket) JoinChannel(ctx context.Context, name string) error {
	return w.request(ctx, EventJoin, name)
}

// LeaveChannel stops delivery for a channel and tells the server. Leaving
// while disconnected only clears local state.
func (w *WebSocket) LeaveChannel(ctx context.Context, name string) error {
	w.joinedMu.Lock()
	delete(w.joined, name)
	w.joinedMu.Unlock()

	if !w.IsConnected() {
		return nil
	}
	return w.request(ctx, EventLeave, name)
}

// SendOnChannel pushes an application event to a joined channel.
func (w *WebSocket) SendOnChannel(ctx context.Context, name, eventType string, payload []byte) error {
	if IsControlEvent(eventType) {
		return fmt.Errorf("%w: %s", ErrReservedEvent, eventType)
	}
	if !w.isJoined(name) {
		return ErrNotJoined
	}

	conn := w.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := EncodeEnvelope(w.codec, Envelope{
		Topic:   name,
		Event:   eventType,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.write(conn, data)
}

// request sends a control envelope and waits for the matching reply.
func (w *WebSocket) request(ctx context.Context, event, topic string) error {
	ref := atomic.AddInt64(&w.ref, 1)
	req := &pendingRequest{
		event: event,
		topic: topic,
		reply: make(chan Envelope, 1),
	}

	// Register before looking at the connection so a concurrent drop
	// always fails this request.
	w.pendingMu.Lock()
	w.pending[ref] = req
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, ref)
		w.pendingMu.Unlock()
	}()

	conn := w.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := EncodeEnvelope(w.codec, Envelope{Ref: ref, Topic: topic, Event: event})
	if err != nil {
		return err
	}
	if err := w.write(conn, data); err != nil {
		return fmt.Errorf("%s %s: %w", event, topic, err)
	}

	if _, ok := ctx.Deadline(); !ok && w.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", event, topic, ErrTimeout)
		}
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrAlreadyClosed
	case env, ok := <-req.reply:
		if !ok {
			return fmt.Errorf("%s %s: %w", event, topic, ErrConnectionLost)
		}
		reply, err := ParseReply(w.codec, env)
		if err != nil {
			return err
		}
		if reply.Status != StatusOK {
			return &ReplyError{Channel: topic, Event: event, Reason: reply.Reason}
		}
		return nil
	}
}

func (w *WebSocket) write(conn *websocket.Conn, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return conn.WriteMessage(w.codec.FrameType(), data)
}

func (w *WebSocket) currentConn() *websocket.Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn
}

func (w *WebSocket) isJoined(name string) bool {
	w.joinedMu.Lock()
	defer w.joinedMu.Unlock()
	_, ok := w.joined[name]
	return ok
}

// run is the connection supervisor: dial, read until the socket drops,
// report the loss, repeat.
func (w *WebSocket) run() {
	defer w.wg.Done()
	defer close(w.messages)
	defer close(w.signals)

	for {
		if !w.emitSignal(SignalConnecting) {
			return
		}

		conn, err := w.dial()
		if err != nil {
			w.logger.Debug("dial loop stopped", "error", err)
			return
		}
		if !w.attach(conn) {
			return
		}

		hbCtx, hbCancel := context.WithCancel(w.ctx)
		w.wg.Add(1)
		go w.heartbeatLoop(hbCtx, conn)

		w.logger.Info("websocket connected", "url", w.cfg.URL, "codec", w.codec.Name())
		w.emitSignal(SignalOpen)

		readErr := w.readLoop(conn)
		hbCancel()

		lost := w.detach(conn)
		if w.ctx.Err() != nil {
			return
		}

		sig := SignalError
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			sig = SignalClosed
		}
		w.logger.Warn("websocket disconnected",
			"error", readErr,
			"joined_channels", len(lost),
		)

		for _, name := range lost {
			if !w.emitMessage(Message{Channel: name, Err: ErrConnectionLost, ReceivedAt: time.Now()}) {
				return
			}
		}
		if !w.emitSignal(sig) {
			return
		}
	}
}

// dial connects with exponential backoff. It only fails once the
// supervisor context is done.
func (w *WebSocket) dial() (*websocket.Conn, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.ReconnectBaseDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         w.cfg.ReconnectMaxDelay,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
	}

	op := func() (*websocket.Conn, error) {
		w.dials.Add(1)
		header, err := w.handshakeHeader()
		if err != nil {
			w.dialFailures.Add(1)
			return nil, fmt.Errorf("handshake headers: %w", err)
		}
		conn, resp, err := dialer.DialContext(w.ctx, w.cfg.URL, header)
		if err != nil {
			w.dialFailures.Add(1)
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", w.cfg.URL, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
		}
		return conn, nil
	}

	return backoff.Retry(w.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("connection attempt failed",
				"error", err,
				"retry_in", next,
			)
		}),
	)
}

func (w *WebSocket) handshakeHeader() (http.Header, error) {
	if w.cfg.HeaderFunc == nil {
		return w.cfg.Header, nil
	}
	extra, err := w.cfg.HeaderFunc()
	if err != nil {
		return nil, err
	}
	header := w.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header, len(extra))
	}
	for k, v := range extra {
		header[k] = v
	}
	return header, nil
}

// attach installs a freshly dialed socket. It returns false (and closes the
// socket) if Disconnect won the race.
func (w *WebSocket) attach(conn *websocket.Conn) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return false
	}
	w.conn = conn
	w.lastPingAt = time.Now()
	w.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		w.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		w.touch()
		return nil
	})

	return true
}

func (w *WebSocket) touch() {
	w.mu.Lock()
	w.lastPingAt = time.Now()
	w.mu.Unlock()
}

// detach forgets the socket, fails every outstanding request and returns
// the channels that were joined on it.
func (w *WebSocket) detach(conn *websocket.Conn) []string {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()

	w.pendingMu.Lock()
	for ref, req := range w.pending {
		close(req.reply)
		delete(w.pending, ref)
	}
	w.pendingMu.Unlock()

	w.joinedMu.Lock()
	lost := make([]string, 0, len(w.joined))
	for name := range w.joined {
		lost = append(lost, name)
	}
	w.joined = make(map[string]struct{})
	w.joinedMu.Unlock()

	sort.Strings(lost)
	return lost
}

// readLoop reads frames until the socket fails.
func (w *WebSocket) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately
		if err != nil {
			return err
		}

		env, err := DecodeEnvelope(w.codec, data)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		if !w.route(env, receivedAt) {
			return w.ctx.Err()
		}
	}
}

// route dispatches one inbound envelope. It returns false once the
// supervisor is shutting down.
func (w *WebSocket) route(env Envelope, receivedAt time.Time) bool {
	switch env.Event {
	case EventReply:
		w.routeReply(env)
		return true

	case EventError:
		reason := ""
		if r, err := ParseReply(w.codec, env); err == nil {
			reason = r.Reason
		}

		w.joinedMu.Lock()
		_, wasJoined := w.joined[env.Topic]
		delete(w.joined, env.Topic)
		w.joinedMu.Unlock()

		if !wasJoined {
			w.logger.Debug("error for channel not joined", "channel", env.Topic, "reason", reason)
			return true
		}
		return w.emitMessage(Message{
			Channel:    env.Topic,
			Err:        &ChannelError{Channel: env.Topic, Reason: reason},
			ReceivedAt: receivedAt,
		})

	case EventJoin, EventLeave:
		w.logger.Debug("ignoring client-only event from server", "event", env.Event, "channel", env.Topic)
		return true
	}

	if !w.isJoined(env.Topic) {
		w.logger.Debug("dropping event for channel not joined", "channel", env.Topic, "event", env.Event)
		return true
	}

	msg := Message{
		Channel:    env.Topic,
		Type:       env.Event,
		Payload:    []byte(env.Payload),
		ReceivedAt: receivedAt,
	}

	select {
	case w.messages <- msg:
	case <-w.ctx.Done():
		return false
	default:
		w.dropped.Add(1)
		w.logger.Warn("message buffer full, dropping message", "channel", env.Topic, "event", env.Event)
	}
	return true
}

// routeReply hands a reply to its waiting request. A successful join reply
// marks the channel joined before any later frame is routed.
func (w *WebSocket) routeReply(env Envelope) {
	w.pendingMu.Lock()
	req, ok := w.pending[env.Ref]
	if ok {
		delete(w.pending, env.Ref)
	}
	w.pendingMu.Unlock()

	if !ok {
		w.logger.Debug("reply for unknown request", "ref", env.Ref, "channel", env.Topic)
		return
	}

	if req.event == EventJoin {
		if r, err := ParseReply(w.codec, env); err == nil && r.Status == StatusOK {
			w.joinedMu.Lock()
			w.joined[req.topic] = struct{}{}
			w.joinedMu.Unlock()
		}
	}

	req.reply <- env
}

func (w *WebSocket) emitSignal(s Signal) bool {
	select {
	case w.signals <- s:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *WebSocket) emitMessage(msg Message) bool {
	select {
	case w.messages <- msg:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// heartbeatLoop pings the server and closes the socket when it goes stale.
func (w *WebSocket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()

	if w.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				w.logger.Debug("failed to send ping", "error", err)
			}

			w.mu.RLock()
			lastPing := w.lastPingAt
			w.mu.RUnlock()

			if w.cfg.PingTimeout > 0 && time.Since(lastPing) > w.cfg.PingTimeout {
				w.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", w.cfg.PingTimeout,
					"error", ErrStaleConnection,
				)
				conn.Close()
				return
			}
		}
	}
}
