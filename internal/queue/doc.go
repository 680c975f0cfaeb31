// Package queue provides the growable FIFO used as a subscriber inbox.
//
// Producers never block: the ring doubles at 70% occupancy, or rejects the
// item when an explicit limit is configured. A single consumer drains it with
// Receive, which blocks until data arrives or the buffer is closed.
package queue
