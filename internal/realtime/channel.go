package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/realtime-mux/internal/transport"
)

// ChannelHandle is the registry's record of one logical channel: its join
// state, retry bookkeeping and subscriber set. Handles are owned by the
// Registry; callers only use GetChannel to read state or Send.
type ChannelHandle struct {
	name   string
	reg    *Registry
	logger *slog.Logger

	mu         sync.Mutex
	state      ChannelState
	subs       *subscriberTable
	retryCount int
	seq        uint64

	deferred   bool // waiting for the connection before joining
	exhausted  bool // MaxAttempts reached, parked until reconnect
	joinIssued bool // a join was attempted, so teardown must leave

	gen        uint64             // bumped per join attempt and on teardown
	joinCancel context.CancelFunc // in-flight join
	joining    chan struct{}      // closed when the in-flight join goroutine exits

	// Events routed by the transport after it saw the join reply but before
	// joinDone ran. Delivered on success, discarded otherwise.
	early []transport.Message

	after <-chan struct{} // previous handle for this name finished leaving
	left  chan struct{}   // closed once this handle has left
}

func newChannelHandle(reg *Registry, name string) *ChannelHandle {
	return &ChannelHandle{
		name:   name,
		reg:    reg,
		logger: reg.logger.With("channel", name),
		state:  ChannelIdle,
		subs:   newSubscriberTable(),
		left:   make(chan struct{}),
	}
}

// Name returns the channel name.
func (h *ChannelHandle) Name() string {
	return h.name
}

// State returns the current channel state.
func (h *ChannelHandle) State() ChannelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribers returns the subscriber identities, sorted.
func (h *ChannelHandle) Subscribers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs.ids()
}

// RetryCount returns the number of consecutive failed join attempts.
func (h *ChannelHandle) RetryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryCount
}

// Info returns a snapshot of the handle.
func (h *ChannelHandle) Info() ChannelInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ChannelInfo{
		Name:        h.name,
		State:       h.state.String(),
		Subscribers: h.subs.len(),
		RetryCount:  h.retryCount,
		Seq:         h.seq,
		Deferred:    h.deferred,
		Exhausted:   h.exhausted,
		Dropped:     h.subs.dropped(),
	}
}

// Send pushes an event on the channel. It fails with ErrChannelNotReady
// unless the channel is joined; nothing is buffered.
func (h *ChannelHandle) Send(ctx context.Context, eventType string, payload []byte) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	if state != ChannelJoined {
		return fmt.Errorf("%w: %s is %s", ErrChannelNotReady, h.name, state)
	}

	err := h.reg.transport.SendOnChannel(ctx, h.name, eventType, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	case errors.Is(err, transport.ErrNotJoined):
		return fmt.Errorf("%w: %w", ErrChannelNotReady, err)
	default:
		return fmt.Errorf("send on %s: %w", h.name, err)
	}
}

func (h *ChannelHandle) setStateLocked(next ChannelState) {
	if h.state == next {
		return
	}
	old := h.state
	h.state = next
	h.reg.observer.ChannelStateChanged(h.name, old, next)
	h.logger.Debug("channel state changed", "from", old.String(), "to", next.String())
}

// startJoinLocked begins a join attempt, or defers it while the connection
// is neither connected nor connecting.
func (h *ChannelHandle) startJoinLocked() {
	if h.state == ChannelLeaving {
		return
	}

	switch h.reg.monitor.State() {
	case Connected, Connecting:
	default:
		if !h.deferred {
			h.logger.Debug("join deferred until connected")
		}
		h.deferred = true
		return
	}

	h.deferred = false
	h.reg.scheduler.Cancel(h)
	h.early = nil

	h.gen++
	gen := h.gen
	ctx, cancel := context.WithTimeout(h.reg.ctx, h.reg.cfg.JoinTimeout)
	h.joinCancel = cancel
	h.joining = make(chan struct{})
	h.joinIssued = true
	h.setStateLocked(ChannelJoining)

	h.reg.wg.Add(1)
	go h.join(ctx, cancel, gen, h.after, h.joining)
}

// join runs one join attempt off the registry locks.
func (h *ChannelHandle) join(ctx context.Context, cancel context.CancelFunc, gen uint64, after <-chan struct{}, done chan struct{}) {
	defer h.reg.wg.Done()
	defer close(done)
	defer cancel()

	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
		}
	}

	err := ctx.Err()
	if err == nil {
		err = h.reg.transport.JoinChannel(ctx, h.name)
	}
	h.joinDone(gen, err)
}

func (h *ChannelHandle) joinDone(gen uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.gen || h.state != ChannelJoining {
		return
	}
	h.joinCancel = nil

	if err == nil {
		h.retryCount = 0
		h.exhausted = false
		h.setStateLocked(ChannelJoined)
		h.logger.Info("channel joined", "early_events", len(h.early))
		for _, msg := range h.early {
			h.deliverLocked(msg)
		}
		h.early = nil
		return
	}

	if len(h.early) > 0 {
		h.logger.Debug("discarding events from failed join", "count", len(h.early))
		h.early = nil
	}

	// The socket is down: wait for the reconnect rather than burning a
	// retry attempt.
	transportDown := errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrConnectionLost)
	if transportDown && h.reg.monitor.State() != Connected {
		h.setStateLocked(ChannelErrored)
		h.deferred = true
		h.logger.Debug("join interrupted by disconnect, waiting for reconnect", "error", err)
		return
	}

	h.retryCount++
	h.setStateLocked(ChannelErrored)
	h.logger.Warn("channel join failed",
		"error", fmt.Errorf("%w: %w", ErrJoinRejected, err),
		"retry_count", h.retryCount,
	)
	h.scheduleRetryLocked()
}

// scheduleRetryLocked arms the retry timer for the current retryCount, or
// parks the handle when MaxAttempts is reached.
func (h *ChannelHandle) scheduleRetryLocked() {
	if limit := h.reg.cfg.MaxAttempts; limit > 0 && h.retryCount >= limit {
		h.exhausted = true
		h.logger.Warn("join retries exhausted", "attempts", h.retryCount)
		h.subs.notifyError(fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, h.name, h.retryCount))
		return
	}

	delay := h.reg.scheduler.Delay(h.retryCount)
	gen := h.gen
	if !h.reg.scheduler.schedule(h, delay, func() { h.retryFired(gen) }) {
		return
	}
	h.reg.observer.RetryScheduled(h.name, h.retryCount, delay)
	h.logger.Debug("retry scheduled", "retry_count", h.retryCount, "delay", delay)
}

func (h *ChannelHandle) retryFired(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.gen || h.state != ChannelErrored {
		return
	}
	h.startJoinLocked()
}

// fail handles a per-channel transport error (socket drop, server revoke).
func (h *ChannelHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != ChannelJoined {
		return
	}
	h.gen++
	h.setStateLocked(ChannelErrored)
	h.logger.Warn("channel error", "error", err)
	h.scheduleRetryLocked()
}

// rejoin restarts an errored or deferred handle immediately. It runs on
// every transition into Connected.
func (h *ChannelHandle) rejoin() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == ChannelLeaving {
		return
	}
	if h.exhausted {
		h.exhausted = false
		h.retryCount = 0
	}
	if h.state == ChannelErrored || h.deferred {
		h.reg.scheduler.Cancel(h)
		h.startJoinLocked()
	}
}

// dispatch fans an inbound event out to the subscribers. Events are only
// delivered while joined; those arriving mid-join are held until joinDone.
func (h *ChannelHandle) dispatch(msg transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case ChannelJoined:
		h.deliverLocked(msg)
	case ChannelJoining:
		if limit := h.reg.cfg.InboxLimit; limit > 0 && len(h.early) >= limit {
			h.logger.Warn("dropping event received during join", "event", msg.Type, "held", len(h.early))
			return
		}
		h.early = append(h.early, msg)
	default:
		h.logger.Debug("dropping event, channel not joined", "event", msg.Type, "state", h.state.String())
	}
}

func (h *ChannelHandle) deliverLocked(msg transport.Message) {
	h.seq++
	h.subs.fanout(Event{
		Channel:    h.name,
		Type:       msg.Type,
		Payload:    msg.Payload,
		Seq:        h.seq,
		ReceivedAt: msg.ReceivedAt,
	})
}

// leaveTicket carries what the asynchronous leave needs once the handle
// has moved to Leaving.
type leaveTicket struct {
	handle    *ChannelHandle
	needLeave bool
	joining   <-chan struct{}
	after     <-chan struct{}
}

// beginLeaveLocked moves the handle to Leaving and cancels the pending retry
// and any in-flight join.
func (h *ChannelHandle) beginLeaveLocked() leaveTicket {
	h.gen++
	h.reg.scheduler.Cancel(h)
	if h.joinCancel != nil {
		h.joinCancel()
		h.joinCancel = nil
	}
	h.deferred = false
	h.early = nil
	h.setStateLocked(ChannelLeaving)

	return leaveTicket{
		handle:    h,
		needLeave: h.joinIssued,
		joining:   h.joining,
		after:     h.after,
	}
}
