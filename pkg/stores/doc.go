// Package stores provides the persistence layer for sentinel.
//
// SQLiteStore is the primary transactional backend for audit log entries.
// It runs in WAL mode with embedded golang-migrate migrations. KVStore is
// the lower-capacity fallback backed by Badger. It holds JSON-array
// namespaces (security_incidents, error_log, pending_log_buffer) and the
// namespaced application state that recovery purges by prefix.
package stores
