// Package gateway assembles a running ag-mesh-relay.
//
// # Overview
//
// The Gateway owns the relay hub, the agent supervisor, the optional SQLite
// lifecycle ledger, the HTTP server, and the optional gRPC health server.
// New wires them together; Run binds the listeners and blocks.
//
// # Startup
//
//  1. Bind the first free port in [server.port, server.maxPort]
//  2. Start the stale-peer reaper
//  3. Launch every configured agent with autoStart set
//  4. Serve HTTP (and gRPC health, when configured)
//  5. Report ready
//
// An exhausted port range is returned from Run as netutil.ErrNoAvailablePort.
//
// # HTTP Endpoints
//
//	GET /ws                       WebSocket relay session
//	GET /                         also upgrades WebSocket requests
//	GET /health                   liveness (always 200)
//	GET /health/ready             200 while accepting connections, 503 otherwise
//	GET /api/peers                registered peers in id order
//	GET /api/agents               supervised agents
//	GET /api/agents/{id}/events   lifecycle ledger, newest first (?limit=N)
//	GET /api/schemas              event schemas as JSON Schema
//
// # Shutdown
//
// Shutdown runs once, in order: readiness and gRPC health drop to
// NOT_SERVING, the HTTP listener closes, sessions finish their current frame
// and run their close paths, every agent is stopped (SIGTERM, grace period,
// SIGKILL), the reaper is cancelled, gRPC stops, and the ledger closes.
package gateway
