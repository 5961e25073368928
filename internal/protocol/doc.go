// Package protocol defines the relay's JSON wire envelope.
//
// Every frame is a JSON object with a string "type" field. The relay
// interprets a handful of control types and forwards everything else
// untouched:
//
//	presence       {from, data?, timestamp?}   bind identity, replay, broadcast
//	heartbeat      {}                          refresh liveness
//	direct         {to, ...}                   point-to-point relay
//	launch_agent   {agentId, config}           spawn a managed agent process
//	agent_command  {agentId, command}          forward an opaque command
//
// Relay-originated frames (presence replay, offline notices, agent_launched,
// agent_response, error) are built by the helpers in frames.go. Timestamps
// are fractional Unix seconds.
package protocol
