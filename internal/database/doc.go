// Package database provides PostgreSQL connection pools for the lifecycle
// audit sink.
package database
