package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/realtime-mux/internal/realtime"
)

const namespace = "realtime"

var connectionStates = []realtime.ConnectionState{
	realtime.Disconnected,
	realtime.Connecting,
	realtime.Connected,
	realtime.Reconnecting,
}

// Collector implements realtime.Observer on Prometheus metrics. Labels
// never carry channel names, so cardinality stays fixed.
type Collector struct {
	connectionState       *prometheus.GaugeVec
	connectionTransitions *prometheus.CounterVec
	channels              *prometheus.GaugeVec
	channelsAdded         prometheus.Counter
	channelsRemoved       prometheus.Counter
	joins                 prometheus.Counter
	retryDelay            prometheus.Histogram
	delivered             prometheus.Counter
	dropped               prometheus.Counter
	callbackFailures      prometheus.Counter
}

var _ realtime.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg, reusing
// metrics already registered there. A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{}
	var err error

	if c.connectionState, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "1 for the current connection state, 0 otherwise.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if c.connectionTransitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_transitions_total",
		Help:      "Connection state transitions by target state.",
	}, []string{"to"})); err != nil {
		return nil, err
	}
	if c.channels, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Channel handles by state, including handles still leaving.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if c.channelsAdded, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channels_added_total",
		Help:      "Channels created by a first subscriber.",
	})); err != nil {
		return nil, err
	}
	if c.channelsRemoved, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channels_removed_total",
		Help:      "Channels that finished leaving.",
	})); err != nil {
		return nil, err
	}
	if c.joins, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_joins_total",
		Help:      "Successful channel joins, including rejoins.",
	})); err != nil {
		return nil, err
	}
	if c.retryDelay, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retry_delay_seconds",
		Help:      "Delay of each scheduled channel rejoin.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})); err != nil {
		return nil, err
	}
	if c.delivered, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Events handed to subscriber callbacks.",
	})); err != nil {
		return nil, err
	}
	if c.dropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber inbox was full.",
	})); err != nil {
		return nil, err
	}
	if c.callbackFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callback_failures_total",
		Help:      "Subscriber callbacks that panicked.",
	})); err != nil {
		return nil, err
	}

	c.setConnectionState(realtime.Disconnected)
	return c, nil
}

// register registers col, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return col, nil
}

func (c *Collector) setConnectionState(current realtime.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) ConnectionStateChanged(old, new realtime.ConnectionState) {
	c.setConnectionState(new)
	c.connectionTransitions.WithLabelValues(new.String()).Inc()
}

func (c *Collector) ChannelAdded(channel string) {
	c.channelsAdded.Inc()
	c.channels.WithLabelValues(realtime.ChannelIdle.String()).Inc()
}

func (c *Collector) ChannelStateChanged(channel string, old, new realtime.ChannelState) {
	c.channels.WithLabelValues(old.String()).Dec()
	c.channels.WithLabelValues(new.String()).Inc()
	if new == realtime.ChannelJoined {
		c.joins.Inc()
	}
}

// ChannelRemoved is only called for handles in the leaving state.
func (c *Collector) ChannelRemoved(channel string) {
	c.channelsRemoved.Inc()
	c.channels.WithLabelValues(realtime.ChannelLeaving.String()).Dec()
}

func (c *Collector) RetryScheduled(channel string, attempt int, delay time.Duration) {
	c.retryDelay.Observe(delay.Seconds())
}

func (c *Collector) EventDelivered(channel string) {
	c.delivered.Inc()
}

func (c *Collector) EventDropped(channel, subscriber string) {
	c.dropped.Inc()
}

func (c *Collector) CallbackFailed(channel, subscriber string) {
	c.callbackFailures.Inc()
}
