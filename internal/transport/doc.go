// Package transport implements the socket layer beneath the channel registry.
//
// A single WebSocket connection carries every logical channel. Frames are
// envelopes ({ref, topic, event, payload}) encoded as JSON text frames or
// CBOR binary frames:
//   - join / leave requests carry a ref and are answered by a reply envelope
//     with the same ref and a {status, reason} payload
//   - error envelopes from the server revoke a single channel
//   - any other event on a joined topic is delivered as a Message
//
// The connection is supervised: it is redialed with jittered exponential
// backoff until Disconnect, and every joined channel receives an error
// Message when the socket drops so the registry can rejoin it.
package transport
