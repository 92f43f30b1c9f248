// Package agent tracks connected agents and owns their streaming connections.
//
// # Registry
//
// The Registry is the presence registry. It keeps one record per agent id
// for the lifetime of the process; disconnecting marks the record offline
// instead of deleting it.
//
//	reg := agent.NewRegistry(agent.RegistryParams{Fanout: b, Logger: logger})
//
// Key operations:
//
//   - Register(id, name): create or refresh a record
//   - Connect(conn): bind a live connection, mark online
//   - Disconnect(conn): unbind if still current, mark offline
//   - SetStatus / SetStatusVia: change status and announce it
//   - ListOnline(): snapshot of online agents sorted by id
//
// Every status change is broadcast as a status_update envelope to every
// other connected agent. Announcements are made while the registry lock is
// held so that observers see changes in the order they were applied; this
// requires Fanout delivery to be non-blocking.
//
// # Connection
//
// A Connection wraps one WebSocket stream. It runs a read loop that decodes
// frames and hands envelopes to a Handler, and a write loop that is the only
// writer to the stream. Outbound envelopes go through a bounded queue;
// Enqueue never blocks, and a full queue is resolved by the configured
// OverflowPolicy.
//
// # Reconnects
//
// With PolicySupersede a second connection for the same agent replaces the
// first. The old connection is detached before it is closed, so its own
// Disconnect becomes a no-op and the agent stays online.
package agent
