// Package peer holds the mesh-wide peer registry.
//
// # Overview
//
// A peer is any addressable mesh participant. Two kinds share one shape:
//
//   - KindConnected: a browser or UI client that owns a WebSocket connection
//   - KindProcess: a managed agent process; sending writes to its stdin
//
// The Registry does not care which kind it holds. Both expose a Transport
// with a single Send operation, so routing code never branches on kind.
//
// # Registry contract
//
//   - Register on an existing id overwrites the entry and returns the
//     previous one. The registry never closes the superseded transport;
//     callers decide whether to.
//   - Unregister of an absent id is a no-op.
//   - UnregisterIf only removes an entry still bound to the given transport,
//     so a closing connection cannot evict the connection that replaced it.
//   - Touch never moves LastSeen backwards.
//   - Snapshot returns copies ordered by id.
//
// # Thread Safety
//
// Registry is safe for concurrent use. No lock is held while a caller sends
// on a transport obtained from Lookup or Snapshot, so every send must be
// treated as fallible.
package peer
