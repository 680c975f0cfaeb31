// Package metrics exposes registry lifecycle notifications as Prometheus
// metrics.
//
// Key metrics:
//   - Connection state and transitions
//   - Channels by state, joins, and scheduled retries with their delays
//   - Delivered and dropped events, failed subscriber callbacks
package metrics
