// Package stores provides persistence layer implementations for Stagehand.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// append-only tables for plans, session memory entries, per-attempt
// execution records, and terminal plan reports.
package stores
