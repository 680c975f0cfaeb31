// Package audit records channel and connection lifecycle transitions in
// PostgreSQL.
//
// Only metadata is written: state changes, scheduled retries and callback
// failures. Event payloads never reach the audit table.
package audit
