// Package stores provides persistence layer implementations for Bootstrappo.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// snapshot operations for step statuses, capability facts, applied bindings,
// and pass history.
package stores
