// ABOUTME: Supervises agent processes and presents each one to the mesh as a virtual peer.
// ABOUTME: Handles launch, command relay, exit detection, output bridging, and two-phase shutdown.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/ag-mesh-relay/internal/peer"
	"github.com/2389/ag-mesh-relay/internal/protocol"
	"github.com/2389/ag-mesh-relay/internal/store"
)

// PeerPrefix is the reserved peer id namespace for agent processes.
const PeerPrefix = "kiro-"

// Launch defaults.
const (
	DefaultCommand       = "kiro-cli"
	DefaultWorkingPath   = "~/src"
	DefaultProfile       = "default"
	DefaultShutdownGrace = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

var (
	// ErrAlreadyExists indicates an agent with the same id is already tracked.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidWorkingDirectory indicates the working directory is missing or not a directory.
	ErrInvalidWorkingDirectory = errors.New("invalid working directory")

	// ErrSpawnFailed indicates the agent process could not be started.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrNotFound indicates no agent is tracked under the id.
	ErrNotFound = errors.New("not found")

	// ErrProcessTerminated indicates the agent's process has already exited.
	ErrProcessTerminated = errors.New("process terminated")

	// ErrShuttingDown indicates the supervisor no longer accepts launches.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// PeerID returns the mesh peer id for agent id.
func PeerID(agentID string) string {
	return PeerPrefix + agentID
}

// LaunchConfig is the client-supplied launch configuration.
type LaunchConfig struct {
	WorkingPath string `json:"workingPath"`
	Agent       string `json:"agent"`
}

func (c LaunchConfig) withDefaults() LaunchConfig {
	if c.WorkingPath == "" {
		c.WorkingPath = DefaultWorkingPath
	}
	if c.Agent == "" {
		c.Agent = DefaultProfile
	}
	return c
}

// Mesh is the relay as seen by the supervisor.
type Mesh interface {
	Announce(id string, t peer.Transport, metadata map[string]any)
	Withdraw(id string, t peer.Transport)
	Broadcast(frame []byte, exclude string) []string
}

// EventRecorder persists lifecycle transitions.
type EventRecorder interface {
	RecordAgentEvent(ctx context.Context, ev *store.AgentEvent) error
}

// Options configures a Supervisor.
type Options struct {
	Command       string
	ShutdownGrace time.Duration
	WriteTimeout  time.Duration
	BridgeOutput  bool
	Spawner       Spawner
	Recorder      EventRecorder
	Now           func() time.Time
}

// Info is a read-only view of a tracked agent.
type Info struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peerId"`
	Profile     string    `json:"profile"`
	WorkingPath string    `json:"workingPath"`
	State       State     `json:"state"`
	Pid         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
}

type trackedAgent struct {
	id          string
	peerID      string
	profile     string
	workingPath string
	state       State
	startedAt   time.Time

	proc      Process
	transport *processTransport
}

// Supervisor owns every agent process it launches.
type Supervisor struct {
	mesh   Mesh
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	agents  map[string]*trackedAgent
	closing bool

	watchers     sync.WaitGroup
	shutdownOnce sync.Once
}

// NewSupervisor creates a Supervisor that registers agents with mesh.
func NewSupervisor(mesh Mesh, logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		mesh:   mesh,
		opts:   opts,
		logger: logger.With("component", "supervisor"),
		agents: make(map[string]*trackedAgent),
	}
}

// Launch starts an agent process and announces it as peer PeerID(agentID).
// A rejected launch leaves no process, no peer entry, and no agent record.
func (s *Supervisor) Launch(ctx context.Context, agentID string, cfg LaunchConfig) (Info, error) {
	cfg = cfg.withDefaults()
	ctx = context.WithoutCancel(ctx)

	a := &trackedAgent{
		id:        agentID,
		peerID:    PeerID(agentID),
		profile:   cfg.Agent,
		state:     StateStarting,
		startedAt: s.opts.Now(),
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("agent %s: %w", agentID, ErrShuttingDown)
	}
	if _, exists := s.agents[agentID]; exists {
		s.mu.Unlock()
		err := fmt.Errorf("agent %s %w", agentID, ErrAlreadyExists)
		s.record(ctx, agentID, StateFailed, 0, "launch rejected: "+err.Error())
		return Info{}, err
	}
	s.agents[agentID] = a
	s.mu.Unlock()

	s.record(ctx, agentID, StateStarting, 0, "")

	dir, err := resolveWorkingPath(cfg.WorkingPath)
	if err != nil {
		s.abandon(ctx, a, err)
		return Info{}, fmt.Errorf("agent %s: %w: %v", agentID, ErrInvalidWorkingDirectory, err)
	}
	s.mu.Lock()
	a.workingPath = dir
	s.mu.Unlock()

	proc, err := s.opts.Spawner.Spawn(Spec{
		Path: s.opts.Command,
		Args: []string{"acp", "--agent", cfg.Agent, "--cwd", dir},
		Dir:  dir,
	})
	if err != nil {
		s.abandon(ctx, a, err)
		return Info{}, fmt.Errorf("agent %s: %w: %v", agentID, ErrSpawnFailed, err)
	}

	transport := newProcessTransport(proc.Stdin(), s.opts.WriteTimeout, func(err error) {
		s.retire(ctx, a, err)
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = proc.Kill()
		<-proc.Done()
		_ = transport.Close()
		closeReader(proc.Stdout())
		closeReader(proc.Stderr())
		s.abandon(ctx, a, ErrShuttingDown)
		return Info{}, fmt.Errorf("agent %s: %w", agentID, ErrShuttingDown)
	}
	a.proc = proc
	a.transport = transport
	a.state = StateRunning
	info := a.info()
	s.watchers.Add(1)
	s.mu.Unlock()

	s.logger.Info("=== AGENT LAUNCHED ===",
		"agent_id", agentID,
		"peer_id", a.peerID,
		"profile", a.profile,
		"working_path", dir,
		"pid", proc.Pid(),
	)

	s.mesh.Announce(a.peerID, transport, map[string]any{
		"status": protocol.StatusOnline,
		"type":   "kiro-cli",
		"agent":  a.profile,
	})
	s.record(ctx, agentID, StateRunning, proc.Pid(), "")

	var bridges sync.WaitGroup
	bridges.Add(2)
	go s.bridgeStdout(a, &bridges)
	go s.drainStderr(a, &bridges)
	go s.watch(ctx, a, &bridges)

	return info, nil
}

// abandon drops a reservation that never reached Running.
func (s *Supervisor) abandon(ctx context.Context, a *trackedAgent, cause error) {
	s.mu.Lock()
	if s.agents[a.id] == a {
		delete(s.agents, a.id)
	}
	s.mu.Unlock()

	s.logger.Warn("agent launch failed", "agent_id", a.id, "error", cause)
	s.record(ctx, a.id, StateFailed, 0, cause.Error())
}

// Relay writes command to the agent's stdin as one line. Delivery is
// fire-and-forget; replies surface through the output bridge.
func (s *Supervisor) Relay(agentID string, command json.RawMessage) error {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	var proc Process
	var transport *processTransport
	if ok {
		proc, transport = a.proc, a.transport
	}
	s.mu.Unlock()

	if !ok || proc == nil {
		return fmt.Errorf("agent %s %w", agentID, ErrNotFound)
	}

	select {
	case <-proc.Done():
		return fmt.Errorf("agent %s %w", agentID, ErrProcessTerminated)
	default:
	}

	if err := transport.Send(command); err != nil {
		return fmt.Errorf("agent %s: write command: %w", agentID, err)
	}
	s.logger.Debug("command relayed", "agent_id", agentID, "bytes", len(command))
	return nil
}

// retire stops an agent whose stdin can no longer be written. The peer entry
// stays until the watcher sees the exit and withdraws it.
func (s *Supervisor) retire(ctx context.Context, a *trackedAgent, cause error) {
	s.mu.Lock()
	if a.state != StateRunning || a.proc == nil {
		s.mu.Unlock()
		return
	}
	a.state = StateTerminating
	proc := a.proc
	s.mu.Unlock()

	s.logger.Warn("agent input failed, stopping agent", "agent_id", a.id, "error", cause)
	s.record(ctx, a.id, StateTerminating, proc.Pid(), "input failed: "+cause.Error())
	go s.terminate(a)
}

// watch waits for the process to exit, then withdraws the agent.
func (s *Supervisor) watch(ctx context.Context, a *trackedAgent, bridges *sync.WaitGroup) {
	defer s.watchers.Done()

	<-a.proc.Done()
	code := a.proc.ExitCode()

	s.mu.Lock()
	final := StateFailed
	if code == 0 || a.state == StateTerminating {
		final = StateTerminated
	}
	a.state = final
	if s.agents[a.id] == a {
		delete(s.agents, a.id)
	}
	s.mu.Unlock()

	_ = a.transport.Close()
	s.mesh.Withdraw(a.peerID, a.transport)

	s.logger.Info("=== AGENT EXITED ===",
		"agent_id", a.id,
		"state", final.String(),
		"exit_code", code,
	)
	s.record(ctx, a.id, final, a.proc.Pid(), fmt.Sprintf("exit code %d", code))

	// A grandchild holding the pipes open must not stall shutdown forever.
	done := make(chan struct{})
	go func() {
		bridges.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		s.logger.Warn("agent output still open after exit", "agent_id", a.id)
	}
}

func (s *Supervisor) bridgeStdout(a *trackedAgent, wg *sync.WaitGroup) {
	defer wg.Done()
	readLines(a.proc.Stdout(), func(line []byte) {
		if !s.opts.BridgeOutput {
			return
		}
		s.mesh.Broadcast(protocol.AgentOutputFrame(a.peerID, a.id, line, s.opts.Now()), a.peerID)
	})
}

func (s *Supervisor) drainStderr(a *trackedAgent, wg *sync.WaitGroup) {
	defer wg.Done()
	readLines(a.proc.Stderr(), func(line []byte) {
		s.logger.Debug("agent stderr", "agent_id", a.id, "line", string(line))
	})
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

// readLines calls fn for each non-empty line until r is exhausted, then
// closes r if it can be closed.
func readLines(r io.Reader, fn func(line []byte)) {
	defer closeReader(r)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			fn(trimmed)
		}
		if err != nil {
			return
		}
	}
}

// ShutdownAll stops every running agent: SIGTERM, wait up to the grace
// period, then SIGKILL. Agents are stopped concurrently and the call returns
// once all of them have exited. Only the first call does any work.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.shutdownAll(context.WithoutCancel(ctx))
	})
}

func (s *Supervisor) shutdownAll(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	targets := make([]*trackedAgent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.proc != nil {
			targets = append(targets, a)
		}
	}
	s.mu.Unlock()

	s.logger.Info("stopping agents", "count", len(targets))

	var g errgroup.Group
	for _, a := range targets {
		g.Go(func() error {
			s.stop(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	s.watchers.Wait()

	s.logger.Info("all agents stopped")
}

func (s *Supervisor) stop(ctx context.Context, a *trackedAgent) {
	select {
	case <-a.proc.Done():
		return
	default:
	}

	s.mu.Lock()
	stopping := a.state == StateTerminating
	a.state = StateTerminating
	s.mu.Unlock()
	if !stopping {
		s.record(ctx, a.id, StateTerminating, a.proc.Pid(), "")
	}

	s.terminate(a)
}

// terminate sends SIGTERM, waits out the grace period, then kills.
func (s *Supervisor) terminate(a *trackedAgent) {
	if err := a.proc.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "agent_id", a.id, "error", err)
	}

	timer := time.NewTimer(s.opts.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-a.proc.Done():
		s.logger.Info("agent stopped gracefully", "agent_id", a.id)
		return
	case <-timer.C:
	}

	s.logger.Warn("agent ignored terminate, killing",
		"agent_id", a.id,
		"grace", s.opts.ShutdownGrace.String(),
	)
	if err := a.proc.Kill(); err != nil {
		s.logger.Warn("kill failed", "agent_id", a.id, "error", err)
	}
	<-a.proc.Done()
}

// List returns every tracked agent ordered by id.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the agent tracked under id.
func (s *Supervisor) Get(agentID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return Info{}, false
	}
	return a.info(), true
}

// CountRunning returns the number of agents in the Running state.
func (s *Supervisor) CountRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.agents {
		if a.state == StateRunning {
			n++
		}
	}
	return n
}

// info must be called with s.mu held.
func (a *trackedAgent) info() Info {
	pid := 0
	if a.proc != nil {
		pid = a.proc.Pid()
	}
	return Info{
		ID:          a.id,
		PeerID:      a.peerID,
		Profile:     a.profile,
		WorkingPath: a.workingPath,
		State:       a.state,
		Pid:         pid,
		StartedAt:   a.startedAt,
	}
}

func (s *Supervisor) record(ctx context.Context, agentID string, state State, pid int, detail string) {
	if s.opts.Recorder == nil {
		return
	}
	ev := &store.AgentEvent{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		PeerID:    PeerID(agentID),
		State:     state.String(),
		Detail:    detail,
		Pid:       pid,
		CreatedAt: s.opts.Now(),
	}
	if err := s.opts.Recorder.RecordAgentEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to record agent event",
			"agent_id", agentID,
			"state", state.String(),
			"error", err,
		)
	}
}

// resolveWorkingPath expands a leading ~ and requires an existing directory.
func resolveWorkingPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}
