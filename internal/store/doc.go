// Package store provides the relay's agent lifecycle ledger using SQLite.
//
// # Scope
//
// Mesh traffic is relayed best-effort and never written to disk. The only
// thing persisted is the history of supervised agent processes: every
// lifecycle transition (starting, running, terminating, terminated, failed)
// and every rejected launch, with the process id and a short detail string
// such as "exit code 1".
//
// # Interface
//
//	type Store interface {
//	    RecordAgentEvent(ctx, ev) error
//	    ListAgentEvents(ctx, agentID, limit) ([]*AgentEvent, error)
//	    Close() error
//	}
//
// SQLiteStore is the production implementation, backed by the pure-Go
// modernc.org/sqlite driver. MockStore is an in-memory implementation for
// tests.
//
// # Database
//
//	store, err := store.NewSQLiteStore("/var/lib/ag-mesh-relay/relay.db")
//
// The schema is created on open. WAL mode is enabled. The special path
// ":memory:" opens a private in-memory database on a single connection.
//
// # Ordering
//
// created_at is stored as Unix nanoseconds. ListAgentEvents orders by
// created_at descending, breaking ties by insertion order, so the newest
// event is always first.
package store
