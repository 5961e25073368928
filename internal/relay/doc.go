// Package relay implements the WebSocket mesh: per-connection sessions,
// best-effort routing, and the stale-peer reaper.
//
// # Sessions
//
// Every connection starts anonymous. Its first presence frame binds a peer
// id, registers the connection, and replays one presence frame per existing
// peer before any other traffic reaches it. The raw presence frame is then
// broadcast to everyone else. Later presence frames with the same id refresh
// metadata; a different id is rejected.
//
// # Routing
//
//	presence        register / refresh, broadcast
//	heartbeat       refresh last-seen
//	direct          deliver verbatim to "to", drop silently if absent
//	launch_agent    start a supervised agent, reply to sender
//	agent_command   write to an agent's stdin, reply to sender
//	anything else   broadcast verbatim, sender excluded
//
// A failed send evicts a connected target without an offline notice. Agent
// peers stay registered; their supervisor stops the agent and withdraws the
// peer once the process exits.
//
// # Liveness
//
// RunReaper sweeps the registry and evicts connected peers silent beyond the
// stale timeout, broadcasting exactly one offline presence for each. Agent
// peers are announced and withdrawn by the supervisor and are never reaped.
package relay
