// Package storage persists the task run journal: one record per finished
// execution. Task definitions are not stored; the host re-registers them at
// startup.
//
// Drivers:
//   - "file": JSON Lines, append-only
//   - "sqlite": SQLite database via modernc.org/sqlite
package storage
