package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-mux/internal/transport"
)

// Option customises a Registry.
type Option func(*Registry)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithRand sets the jitter source used for retry delays. fn must return
// values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *Registry) {
		r.rand = fn
	}
}

// Registry multiplexes many subscribers onto one transport channel per
// name and keeps channels joined across connection loss.
type Registry struct {
	cfg       Config
	transport transport.Transport
	logger    *slog.Logger
	observer  Observer
	rand      func() float64

	monitor   *ConnectionMonitor
	scheduler *ReconnectionScheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // pump, joins, leaves, subscriber goroutines

	mu       sync.Mutex
	channels map[string]*ChannelHandle // live handles, each with subscribers
	leaving  map[string]*ChannelHandle // handles whose leave is in flight
	started  bool
	closed   bool
}

// NewRegistry creates a registry over t. Call Start to connect.
func NewRegistry(cfg Config, t transport.Transport, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		cfg:       cfg.withDefaults(),
		transport: t,
		logger:    logger.With("component", "registry"),
		observer:  NoopObserver{},
		channels:  make(map[string]*ChannelHandle),
		leaving:   make(map[string]*ChannelHandle),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.scheduler = NewReconnectionScheduler(r.cfg, r.rand)
	r.monitor = newConnectionMonitor(r.logger, r.observer, r.rejoinAll)
	return r
}

// Start begins consuming transport signals and connects the transport.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pump(r.transport.Signals(), r.transport.Messages())

	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	r.logger.Info("registry started")
	return nil
}

// Shutdown removes every subscriber, leaves every channel, stops all retry
// timers and disconnects the transport.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var (
		tickets []leaveTicket
		removed []*subscriber
	)
	for name, h := range r.channels {
		h.mu.Lock()
		subs := h.subs.removeAll()
		for _, s := range subs {
			s.close()
		}
		removed = append(removed, subs...)
		tickets = append(tickets, h.beginLeaveLocked())
		h.mu.Unlock()

		delete(r.channels, name)
		r.leaving[name] = h
	}
	r.mu.Unlock()

	for _, s := range removed {
		s.await()
	}

	r.logger.Info("shutting down", "channels", len(tickets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ShutdownConcurrency)
	for _, t := range tickets {
		g.Go(func() error {
			r.leave(gctx, t)
			return nil
		})
	}
	g.Wait()

	r.scheduler.Stop()
	if err := r.transport.Disconnect(); err != nil {
		r.logger.Warn("transport disconnect failed", "error", err)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers subscriberID on channelName. The first subscriber
// creates the channel and starts joining it; later ones share it.
// Subscribing the same identity again replaces its config.
func (r *Registry) Subscribe(channelName, subscriberID string, cfg SubscriberConfig) error {
	if err := ValidateChannelName(channelName); err != nil {
		return err
	}
	if err := validateSubscriber(subscriberID, cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	h, exists := r.channels[channelName]
	if !exists {
		h = newChannelHandle(r, channelName)
		if prev, ok := r.leaving[channelName]; ok {
			h.after = prev.left
		}
		r.channels[channelName] = h
		r.observer.ChannelAdded(channelName)
		r.logger.Info("channel created", "channel", channelName)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs.get(subscriberID); ok {
		s.configure(cfg)
		return nil
	}

	s := newSubscriber(channelName, subscriberID, cfg, r.cfg, h.logger, r.observer)
	h.subs.add(s)
	r.wg.Add(1)
	go s.run(&r.wg)

	if !exists {
		h.startJoinLocked()
	}
	return nil
}

// Unsubscribe removes subscriberID from channelName. When the last
// subscriber leaves, the channel is removed at once and released on the
// transport in the background. Unknown identities are ignored. Once
// Unsubscribe returns no new callback starts for the identity.
func (r *Registry) Unsubscribe(channelName, subscriberID string) {
	r.mu.Lock()

	h, ok := r.channels[channelName]
	if !ok {
		r.mu.Unlock()
		return
	}

	h.mu.Lock()
	s, ok := h.subs.remove(subscriberID)
	if !ok {
		h.mu.Unlock()
		r.mu.Unlock()
		return
	}
	s.close()

	if h.subs.len() > 0 {
		h.mu.Unlock()
		r.mu.Unlock()
		s.await()
		return
	}

	ticket := h.beginLeaveLocked()
	h.mu.Unlock()

	delete(r.channels, channelName)
	r.leaving[channelName] = h
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("channel released", "channel", channelName)

	go func() {
		defer r.wg.Done()
		r.leave(r.ctx, ticket)
	}()

	s.await()
}

// GetChannel returns the live handle for name.
func (r *Registry) GetChannel(name string) (*ChannelHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.channels[name]
	return h, ok
}

// ConnectionState returns the current connection state.
func (r *Registry) ConnectionState() ConnectionState {
	return r.monitor.State()
}

// OnConnectionStateChange registers a listener for connection transitions.
// The returned func removes it.
func (r *Registry) OnConnectionStateChange(fn func(old, new ConnectionState)) func() {
	return r.monitor.OnChange(fn)
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	handles := make([]*ChannelHandle, 0, len(r.channels))
	for _, h := range r.channels {
		handles = append(handles, h)
	}
	leaving := len(r.leaving)
	r.mu.Unlock()

	stats := Stats{
		Connection:     r.monitor.State().String(),
		Channels:       len(handles),
		Leaving:        leaving,
		ByState:        make(map[string]int),
		PendingRetries: r.scheduler.Pending(),
		Details:        make([]ChannelInfo, 0, len(handles)),
	}
	for _, h := range handles {
		info := h.Info()
		stats.Subscribers += info.Subscribers
		stats.ByState[info.State]++
		stats.Details = append(stats.Details, info)
	}
	sort.Slice(stats.Details, func(i, j int) bool {
		return stats.Details[i].Name < stats.Details[j].Name
	})
	return stats
}

// leave releases a handle on the transport once any in-flight join has
// returned and the previous handle for the name has left.
func (r *Registry) leave(ctx context.Context, t leaveTicket) {
	h := t.handle

	if t.joining != nil {
		<-t.joining
	}
	if t.after != nil {
		select {
		case <-t.after:
		case <-ctx.Done():
		}
	}

	if t.needLeave {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.LeaveTimeout)
		err := r.transport.LeaveChannel(lctx, h.name)
		cancel()
		if err != nil {
			r.logger.Debug("leave failed", "channel", h.name, "error", err)
		}
	}

	r.mu.Lock()
	if r.leaving[h.name] == h {
		delete(r.leaving, h.name)
	}
	r.mu.Unlock()

	close(h.left)
	r.observer.ChannelRemoved(h.name)
	r.logger.Debug("channel left", "channel", h.name)
}

// rejoinAll restarts every errored or deferred handle. The monitor calls it
// on each transition into Connected.
func (r *Registry) rejoinAll() {
	r.mu.Lock()
	handles := make([]*ChannelHandle, 0, len(r.channels))
	for _, h := range r.channels {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.rejoin()
	}
}

// pump serialises transport signals and inbound messages. Order within
// each channel is kept, but not across the two: a socket-loss message can
// be handled after the signal that followed it.
func (r *Registry) pump(signals <-chan transport.Signal, messages <-chan transport.Message) {
	defer r.wg.Done()

	for signals != nil || messages != nil {
		select {
		case <-r.ctx.Done():
			return

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			r.monitor.apply(sig)

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			r.route(msg)
		}
	}
}

func (r *Registry) route(msg transport.Message) {
	r.mu.Lock()
	h, ok := r.channels[msg.Channel]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("message for unknown channel", "channel", msg.Channel, "event", msg.Type)
		return
	}

	if msg.Err != nil {
		h.fail(msg.Err)
		return
	}
	h.dispatch(msg)
}
