// Package store provides persistent storage for the relay using SQLite.
//
// The relay itself keeps all live state in memory. The store records what
// happened so it can be inspected later and so a restarted process can
// reconcile leftovers from the previous run.
//
// # Data Models
//
//   - AgentRecord: last known presence record per agent
//   - SessionRecord: every session with its end reason
//   - Exchange: one AI responder turn (transcript, reply, outcome, latency)
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation for tests.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text so ORDER BY on the column is
// chronological.
package store
