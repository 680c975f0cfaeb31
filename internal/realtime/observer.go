package realtime

import "time"

// Observer receives lifecycle notifications. Methods are called while the
// registry holds internal locks and must not block or call back into the
// registry.
type Observer interface {
	ConnectionStateChanged(old, new ConnectionState)
	ChannelAdded(channel string)
	ChannelStateChanged(channel string, old, new ChannelState)
	ChannelRemoved(channel string)
	RetryScheduled(channel string, attempt int, delay time.Duration)
	EventDelivered(channel string)
	EventDropped(channel, subscriber string)
	CallbackFailed(channel, subscriber string)
}

// NoopObserver ignores every notification. Embed it to implement a subset.
type NoopObserver struct{}

func (NoopObserver) ConnectionStateChanged(ConnectionState, ConnectionState) {}
func (NoopObserver) ChannelAdded(string)                                     {}
func (NoopObserver) ChannelStateChanged(string, ChannelState, ChannelState)  {}
func (NoopObserver) ChannelRemoved(string)                                   {}
func (NoopObserver) RetryScheduled(string, int, time.Duration)               {}
func (NoopObserver) EventDelivered(string)                                   {}
func (NoopObserver) EventDropped(string, string)                             {}
func (NoopObserver) CallbackFailed(string, string)                           {}

// Observers fans notifications out to several observers in order.
func Observers(obs ...Observer) Observer {
	list := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return NoopObserver{}
	case 1:
		return list[0]
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) ConnectionStateChanged(old, new ConnectionState) {
	for _, o := range m {
		o.ConnectionStateChanged(old, new)
	}
}

func (m multiObserver) ChannelAdded(channel string) {
	for _, o := range m {
		o.ChannelAdded(channel)
	}
}

func (m multiObserver) ChannelStateChanged(channel string, old, new ChannelState) {
	for _, o := range m {
		o.ChannelStateChanged(channel, old, new)
	}
}

func (m multiObserver) ChannelRemoved(channel string) {
	for _, o := range m {
		o.ChannelRemoved(channel)
	}
}

func (m multiObserver) RetryScheduled(channel string, attempt int, delay time.Duration) {
	for _, o := range m {
		o.RetryScheduled(channel, attempt, delay)
	}
}

func (m multiObserver) EventDelivered(channel string) {
	for _, o := range m {
		o.EventDelivered(channel)
	}
}

func (m multiObserver) EventDropped(channel, subscriber string) {
	for _, o := range m {
		o.EventDropped(channel, subscriber)
	}
}

func (m multiObserver) CallbackFailed(channel, subscriber string) {
	for _, o := range m {
		o.CallbackFailed(channel, subscriber)
	}
}
