// Package storage persists conversations, conversation items and task
// records behind one Store.
//
// Drivers:
//   - "memory": process-local maps (default, tests)
//   - "file":   items as JSON Lines plus a state snapshot/journal pair
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
package storage
