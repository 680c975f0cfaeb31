package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/realtime-mux/internal/queue"
)

// delivery is one inbox item: an event or, when err is set, an error for
// OnError.
type delivery struct {
	event Event
	err   error
}

// subscriber owns an inbox and the goroutine that drains it into the
// subscriber's callbacks.
type subscriber struct {
	id       string
	channel  string
	logger   *slog.Logger
	observer Observer

	inbox *queue.Buffer[delivery]
	done  chan struct{}

	// cbMu is held from the closed check until the callback returns.
	// inCallback is set only while the callback itself runs.
	cbMu       sync.Mutex
	closed     atomic.Bool
	inCallback atomic.Bool

	mu      sync.Mutex
	cfg     SubscriberConfig
	filters map[string]struct{}
}

func newSubscriber(channel, id string, cfg SubscriberConfig, rc Config, logger *slog.Logger, observer Observer) *subscriber {
	s := &subscriber{
		id:       id,
		channel:  channel,
		logger:   logger.With("subscriber", id),
		observer: observer,
		inbox:    queue.New[delivery](rc.InboxCapacity, rc.InboxLimit),
		done:     make(chan struct{}),
	}
	s.configure(cfg)
	return s
}

// configure replaces the callbacks and filters.
func (s *subscriber) configure(cfg SubscriberConfig) {
	var filters map[string]struct{}
	if len(cfg.Filters) > 0 {
		filters = make(map[string]struct{}, len(cfg.Filters))
		for _, f := range cfg.Filters {
			filters[f] = struct{}{}
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.filters = filters
	s.mu.Unlock()
}

func (s *subscriber) accepts(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filters == nil {
		return true
	}
	_, ok := s.filters[eventType]
	return ok
}

// push queues a delivery without blocking.
func (s *subscriber) push(d delivery) {
	err := s.inbox.Send(d)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		s.observer.EventDropped(s.channel, s.id)
		s.logger.Warn("subscriber inbox full, dropping event",
			"event", d.event.Type,
			"seq", d.event.Seq,
		)
	case errors.Is(err, queue.ErrClosed):
		// Removed between fan-out and send.
	}
}

// run drains the inbox until it is closed, then runs OnClose.
func (s *subscriber) run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(s.done)

	for {
		d, ok := s.inbox.Receive()
		if !ok {
			break
		}
		s.deliver(d)
	}

	s.mu.Lock()
	onClose := s.cfg.OnClose
	s.mu.Unlock()
	if onClose != nil {
		s.invoke(func() { onClose() })
	}
}

// deliver runs the callback for one inbox item unless the subscriber was
// closed first.
func (s *subscriber) deliver(d delivery) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	onEvent, onError := s.cfg.OnEvent, s.cfg.OnError
	s.mu.Unlock()

	s.inCallback.Store(true)
	defer s.inCallback.Store(false)

	if d.err != nil {
		if onError != nil {
			s.invoke(func() { onError(d.err) })
		}
		return
	}

	if s.invoke(func() { onEvent(d.event) }) {
		s.observer.EventDelivered(s.channel)
	}
}

// invoke runs a callback, recovering panics. It reports whether fn returned
// normally.
func (s *subscriber) invoke(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := &CallbackError{Channel: s.channel, Subscriber: s.id, Value: r}
			s.observer.CallbackFailed(s.channel, s.id)
			s.logger.Error("subscriber callback failed", "error", err)
			ok = false
		}
	}()
	fn()
	return true
}

// close stops further callbacks and discards whatever is still queued.
// It never blocks, so it is safe under the registry locks.
func (s *subscriber) close() {
	if s.closed.Swap(true) {
		return
	}
	if n := s.inbox.Discard(); n > 0 {
		s.logger.Debug("discarded queued events", "count", n)
	}
}

// await runs after close. If a delivery is between its closed check and
// the start of its callback, await waits for that callback to return. If a
// callback is already running, await returns at once: the caller may be
// that callback unsubscribing itself, and no later callback can start.
// Must not be called with registry locks held.
func (s *subscriber) await() {
	if s.inCallback.Load() {
		return
	}
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

func (s *subscriber) dropped() int64 {
	return s.inbox.Stats().Dropped
}

// subscriberTable maps subscriber identity to subscriber for one channel.
// It is guarded by the owning handle's mutex.
type subscriberTable struct {
	subs map[string]*subscriber
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{subs: make(map[string]*subscriber)}
}

func (t *subscriberTable) get(id string) (*subscriber, bool) {
	s, ok := t.subs[id]
	return s, ok
}

func (t *subscriberTable) add(s *subscriber) {
	t.subs[s.id] = s
}

func (t *subscriberTable) remove(id string) (*subscriber, bool) {
	s, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	return s, ok
}

// removeAll empties the table and returns what it held.
func (t *subscriberTable) removeAll() []*subscriber {
	out := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	t.subs = make(map[string]*subscriber)
	return out
}

func (t *subscriberTable) len() int {
	return len(t.subs)
}

func (t *subscriberTable) ids() []string {
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fanout queues ev for every subscriber whose filter accepts it.
func (t *subscriberTable) fanout(ev Event) {
	for _, s := range t.subs {
		if s.accepts(ev.Type) {
			s.push(delivery{event: ev})
		}
	}
}

// notifyError queues err for every subscriber.
func (t *subscriberTable) notifyError(err error) {
	for _, s := range t.subs {
		s.push(delivery{err: err})
	}
}

func (t *subscriberTable) dropped() int64 {
	var n int64
	for _, s := range t.subs {
		n += s.dropped()
	}
	return n
}
