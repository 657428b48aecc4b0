// Package storage persists the monitor's event stream as an append-only audit.
//
// Backends:
//   - "file": JSON Lines, one record per event
//   - "sqlite": a single table in a SQLite database (modernc.org/sqlite, pure Go)
//
// The audit is write-only from the monitor's point of view; nothing read back
// from it ever feeds the change detector.
package storage
