// Package agent supervises agent processes and presents each one to the
// mesh as a virtual peer.
//
// # Supervisor
//
// The Supervisor owns every process it launches:
//
//	sup := agent.NewSupervisor(hub, logger, agent.Options{Command: "kiro-cli"})
//
// Key operations:
//
//   - Launch(ctx, id, cfg): Spawn "<command> acp --agent <profile> --cwd <dir>"
//     and announce it as peer "kiro-<id>"
//   - Relay(id, command): Write a command to the agent's stdin as one JSON line
//   - ShutdownAll(ctx): Two-phase stop of every agent, run once
//   - List(), Get(id), CountRunning(): Read-only views
//
// # Lifecycle
//
// Agents move through Starting, Running, Terminating, and end in Terminated
// or Failed:
//
//	Starting     reserved; working directory checked, process spawning
//	Running      process alive, peer registered and announced online
//	Terminating  SIGTERM sent during shutdown
//	Terminated   exited with status 0, or exited after Terminating
//	Failed       launch failed, or exited non-zero on its own
//
// A watcher goroutine per process observes the exit, withdraws the peer
// (broadcasting offline presence) and forgets the agent so its id can be
// launched again.
//
// # Process-backed peers
//
// Each agent registers a transport whose Send writes the frame to the
// process's stdin as one compacted JSON line. Broadcasts reach agents exactly
// as they reach socket peers. When output bridging is enabled, every stdout
// line is broadcast back to the mesh as an agent_response frame from the
// agent's peer id. stderr is logged at debug level. Both pipes are always
// drained.
//
// # Shutdown
//
// ShutdownAll stops agents concurrently. Each gets SIGTERM (to its process
// group on Unix), then SIGKILL if it is still alive after the grace period.
// The call returns only after every process has exited.
package agent
