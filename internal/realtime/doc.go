// Package realtime multiplexes many feature-level subscribers onto one
// transport channel per name and keeps those channels joined while the
// shared connection comes and goes.
//
// A Registry owns every ChannelHandle. The first Subscribe for a name
// creates the handle and joins it; the last Unsubscribe leaves it. Inbound
// events are fanned out into per-subscriber inboxes, each drained by its own
// goroutine, so a slow or panicking subscriber never holds up the others.
//
// Connection health is a single ConnectionState derived from transport
// signals. Channels that fail to join, or lose their join, retry with
// exponential backoff and jitter; every transition into Connected retries
// them immediately.
package realtime
