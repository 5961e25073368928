// ABOUTME: Tests for the agent supervisor using in-memory fake processes.
// ABOUTME: Covers launch rejection, command relay, exit detection, output bridging, and shutdown.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ag-mesh-relay/internal/peer"
	"github.com/2389/ag-mesh-relay/internal/store"
)

// fakeStdin records everything written to it. After breakWith, writes fail
// the way a pipe whose reader went away does.
type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	broken error
	writes int
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.broken != nil {
		return 0, f.broken
	}
	return f.buf.Write(p)
}

func (f *fakeStdin) breakWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = err
}

func (f *fakeStdin) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeStdin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStdin) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	stdin   *fakeStdin
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu         sync.Mutex
	code       int
	terminates int
	kills      int
	done       chan struct{}
	once       sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProcess{
		pid:     pid,
		stdin:   &fakeStdin{},
		stdoutR: outR,
		stdoutW: outW,
		stderrR: errR,
		stderrW: errW,
		done:    make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminates++
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) counts() (terminates, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates, p.kills
}

type fakeSpawner struct {
	mu     sync.Mutex
	specs  []Spec
	procs  []*fakeProcess
	err    error
	nextID int

	ignoreTerm bool
}

func (s *fakeSpawner) Spawn(spec Spec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	s.nextID++
	p := newFakeProcess(1000 + s.nextID)
	p.ignoreTerm = s.ignoreTerm
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

type broadcastRecord struct {
	frame   []byte
	exclude string
}

type fakeMesh struct {
	mu         sync.Mutex
	peers      map[string]peer.Transport
	meta       map[string]map[string]any
	withdrawn  []string
	broadcasts []broadcastRecord
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		peers: make(map[string]peer.Transport),
		meta:  make(map[string]map[string]any),
	}
}

func (m *fakeMesh) Announce(id string, t peer.Transport, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = t
	m.meta[id] = metadata
}

func (m *fakeMesh) Withdraw(id string, t peer.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[id] == t {
		delete(m.peers, id)
	}
	m.withdrawn = append(m.withdrawn, id)
}

func (m *fakeMesh) Broadcast(frame []byte, exclude string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, broadcastRecord{frame: frame, exclude: exclude})
	return nil
}

func (m *fakeMesh) hasPeer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[id]
	return ok
}

func (m *fakeMesh) withdrawals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.withdrawn...)
}

func (m *fakeMesh) broadcastsCopy() []broadcastRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broadcastRecord(nil), m.broadcasts...)
}

type harness struct {
	sup     *Supervisor
	mesh    *fakeMesh
	spawner *fakeSpawner
	ledger  *store.MockStore
	dir     string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		mesh:    newFakeMesh(),
		spawner: &fakeSpawner{},
		ledger:  store.NewMockStore(),
		dir:     t.TempDir(),
	}
	if opts.Spawner == nil {
		opts.Spawner = h.spawner
	}
	opts.Recorder = h.ledger
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 50 * time.Millisecond
	}
	h.sup = NewSupervisor(h.mesh, slog.Default(), opts)
	t.Cleanup(func() { h.sup.ShutdownAll(context.Background()) })
	return h
}

func (h *harness) launch(t *testing.T, id string) Info {
	t.Helper()
	info, err := h.sup.Launch(context.Background(), id, LaunchConfig{WorkingPath: h.dir})
	require.NoError(t, err)
	return info
}

func TestLaunch(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{WorkingPath: h.dir, Agent: "coder"})
	require.NoError(t, err)

	assert.Equal(t, "a1", info.ID)
	assert.Equal(t, "kiro-a1", info.PeerID)
	assert.Equal(t, "coder", info.Profile)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 1001, info.Pid)

	require.Equal(t, 1, h.spawner.spawned())
	spec := h.spawner.specs[0]
	assert.Equal(t, DefaultCommand, spec.Path)
	assert.Equal(t, []string{"acp", "--agent", "coder", "--cwd", h.dir}, spec.Args)
	assert.Equal(t, h.dir, spec.Dir)

	assert.True(t, h.mesh.hasPeer("kiro-a1"))
	assert.Equal(t, map[string]any{"status": "online", "type": "kiro-cli", "agent": "coder"}, h.mesh.meta["kiro-a1"])

	assert.Equal(t, []string{"starting", "running"}, h.ledger.States("a1"))
	assert.Equal(t, 1, h.sup.CountRunning())
}

func TestLaunchDefaultsProfile(t *testing.T) {
	h := newHarness(t, Options{Command: "/opt/kiro"})
	info := h.launch(t, "a1")

	assert.Equal(t, DefaultProfile, info.Profile)
	assert.Equal(t, "/opt/kiro", h.spawner.specs[0].Path)
	assert.Equal(t, []string{"acp", "--agent", "default", "--cwd", h.dir}, h.spawner.specs[0].Args)
}

func TestLaunchDuplicateLeavesOriginalUntouched(t *testing.T) {
	h := newHarness(t, Options{})
	original := h.launch(t, "a1")

	_, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{WorkingPath: h.dir})
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, "agent a1 already exists", err.Error())

	assert.Equal(t, 1, h.spawner.spawned(), "no second process")
	got, ok := h.sup.Get("a1")
	require.True(t, ok)
	assert.Equal(t, original.Pid, got.Pid)
	assert.Equal(t, StateRunning, got.State)
	assert.True(t, h.mesh.hasPeer("kiro-a1"))
}

func TestLaunchInvalidWorkingDirectory(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(h.dir, "does-not-exist")},
		{"file", func() string {
			p := filepath.Join(h.dir, "file.txt")
			require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
			return p
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{WorkingPath: tt.path})
			require.ErrorIs(t, err, ErrInvalidWorkingDirectory)

			assert.Equal(t, 0, h.spawner.spawned(), "no process spawned")
			assert.False(t, h.mesh.hasPeer("kiro-a1"), "no peer registered")
			assert.Empty(t, h.sup.List())
		})
	}
}

func TestLaunchExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.Mkdir(filepath.Join(home, "src"), 0o755))

	h := newHarness(t, Options{})
	info, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "src"), info.WorkingPath)
}

func TestLaunchSpawnFailureLeavesNoResidue(t *testing.T) {
	h := newHarness(t, Options{})
	h.spawner.err = errors.New("exec: \"kiro-cli\": executable file not found in $PATH")

	_, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{WorkingPath: h.dir})
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Empty(t, h.sup.List())
	assert.False(t, h.mesh.hasPeer("kiro-a1"))
	assert.Equal(t, []string{"starting", "failed"}, h.ledger.States("a1"))

	// The id is free again.
	h.spawner.err = nil
	h.launch(t, "a1")
}

func TestLaunchLedgerFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.ledger.FailWrites = true

	info := h.launch(t, "a1")
	assert.Equal(t, StateRunning, info.State)
}

func TestRelay(t *testing.T) {
	h := newHarness(t, Options{})
	h.launch(t, "a1")

	err := h.sup.Relay("a1", json.RawMessage(`{ "method": "prompt",
		"params": {"text": "hi"} }`))
	require.NoError(t, err)

	assert.Equal(t, `{"method":"prompt","params":{"text":"hi"}}`+"\n", h.spawner.proc(0).stdin.String())
}

func TestRelayUnknownAgent(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.sup.Relay("ghost", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "agent ghost not found", err.Error())
}

func TestRelayAfterExitBeforeReap(t *testing.T) {
	sup := NewSupervisor(newFakeMesh(), slog.Default(), Options{})
	proc := newFakeProcess(7)
	proc.exit(0)
	sup.agents["a1"] = &trackedAgent{
		id:        "a1",
		peerID:    "kiro-a1",
		state:     StateRunning,
		proc:      proc,
		transport: newProcessTransport(proc.Stdin(), time.Second, nil),
	}

	err := sup.Relay("a1", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrProcessTerminated)
	assert.Empty(t, proc.stdin.String())
}

func TestExitDetection(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		state string
	}{
		{"clean exit", 0, "terminated"},
		{"crash", 2, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.launch(t, "a1")

			h.spawner.proc(0).exit(tt.code)

			// The terminal ledger entry is written last.
			require.Eventually(t, func() bool {
				return len(h.ledger.States("a1")) == 3
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.state, h.ledger.States("a1")[2])

			_, ok := h.sup.Get("a1")
			assert.False(t, ok)
			assert.Equal(t, []string{"kiro-a1"}, h.mesh.withdrawals())
			assert.False(t, h.mesh.hasPeer("kiro-a1"))

			// The id can be reused once the process is gone.
			_, err := h.sup.Launch(context.Background(), "a1", LaunchConfig{WorkingPath: h.dir})
			assert.NoError(t, err)
		})
	}
}

func TestOutputBridge(t *testing.T) {
	h := newHarness(t, Options{BridgeOutput: true})
	h.launch(t, "a1")
	proc := h.spawner.proc(0)

	go func() {
		_, _ = proc.stdoutW.Write([]byte("{\"result\":1}\nplain text\r\n\n"))
	}()

	require.Eventually(t, func() bool {
		return len(h.mesh.broadcastsCopy()) == 2
	}, time.Second, 5*time.Millisecond)

	recs := h.mesh.broadcastsCopy()
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(recs[0].frame, &first))
	require.NoError(t, json.Unmarshal(recs[1].frame, &second))

	assert.Equal(t, "kiro-a1", recs[0].exclude)
	assert.Equal(t, "agent_response", first["type"])
	assert.Equal(t, "kiro-a1", first["from"])
	assert.Equal(t, "a1", first["agentId"])
	assert.Equal(t, map[string]any{"result": float64(1)}, first["data"])
	assert.Equal(t, "plain text", second["data"])
}

func TestOutputBridgeDisabledStillDrains(t *testing.T) {
	h := newHarness(t, Options{BridgeOutput: false})
	h.launch(t, "a1")
	proc := h.spawner.proc(0)

	// io.Pipe blocks until read, so these writes returning proves draining.
	_, err := proc.stdoutW.Write([]byte("noise\n"))
	require.NoError(t, err)
	_, err = proc.stderrW.Write([]byte("warning\n"))
	require.NoError(t, err)

	assert.Empty(t, h.mesh.broadcastsCopy())
}

func TestShutdownAll(t *testing.T) {
	h := newHarness(t, Options{ShutdownGrace: 50 * time.Millisecond})

	h.launch(t, "polite")
	h.spawner.ignoreTerm = true
	h.launch(t, "stubborn")

	polite, stubborn := h.spawner.proc(0), h.spawner.proc(1)

	start := time.Now()
	h.sup.ShutdownAll(context.Background())
	elapsed := time.Since(start)

	select {
	case <-polite.Done():
	default:
		t.Fatal("polite agent still running")
	}
	select {
	case <-stubborn.Done():
	default:
		t.Fatal("stubborn agent still running")
	}

	pt, pk := polite.counts()
	assert.Equal(t, 1, pt)
	assert.Equal(t, 0, pk, "graceful exit needs no kill")

	st, sk := stubborn.counts()
	assert.Equal(t, 1, st)
	assert.Equal(t, 1, sk, "kill after the grace period")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	assert.Empty(t, h.sup.List())
	assert.ElementsMatch(t, []string{"kiro-polite", "kiro-stubborn"}, h.mesh.withdrawals())
	assert.Equal(t, []string{"starting", "running", "terminating", "terminated"}, h.ledger.States("polite"))
	assert.Equal(t, []string{"starting", "running", "terminating", "terminated"}, h.ledger.States("stubborn"))

	_, err := h.sup.Launch(context.Background(), "late", LaunchConfig{WorkingPath: h.dir})
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Second call is a no-op.
	h.sup.ShutdownAll(context.Background())
	_, sk = stubborn.counts()
	assert.Equal(t, 1, sk)
}

func TestShutdownAllSkipsExitedAgents(t *testing.T) {
	h := newHarness(t, Options{})
	h.launch(t, "a1")
	proc := h.spawner.proc(0)
	proc.exit(0)

	require.Eventually(t, func() bool { return len(h.sup.List()) == 0 }, time.Second, 5*time.Millisecond)

	h.sup.ShutdownAll(context.Background())
	terms, kills := proc.counts()
	assert.Zero(t, terms)
	assert.Zero(t, kills)
}

func TestProcessTransport(t *testing.T) {
	w := &fakeStdin{}
	tr := newProcessTransport(w, time.Second, nil)

	require.NoError(t, tr.Send([]byte(`{"type": "chat",
  "text": "hi"}`)))
	require.NoError(t, tr.Send([]byte("not json\n")))
	assert.Equal(t, "{\"type\":\"chat\",\"text\":\"hi\"}\nnot json\n", w.String())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrTransportClosed)
}

func TestProcessTransportReportsFirstFailureOnce(t *testing.T) {
	w := &fakeStdin{}
	var failures []error
	tr := newProcessTransport(w, time.Second, func(err error) { failures = append(failures, err) })

	require.NoError(t, tr.Send([]byte(`{}`)))

	pipeErr := errors.New("write |1: broken pipe")
	w.breakWith(pipeErr)

	err := tr.Send([]byte(`{"n":1}`))
	require.ErrorIs(t, err, pipeErr)

	err = tr.Send([]byte(`{"n":2}`))
	require.ErrorIs(t, err, ErrInputBroken)
	assert.Contains(t, err.Error(), "broken pipe")

	assert.Equal(t, []error{pipeErr}, failures)
	assert.Equal(t, 2, w.writeCount(), "sends after the failure never reach the pipe")
}

func TestBrokenInputStopsAgent(t *testing.T) {
	h := newHarness(t, Options{ShutdownGrace: 500 * time.Millisecond})
	h.spawner.ignoreTerm = true
	h.launch(t, "a1")
	proc := h.spawner.proc(0)

	proc.stdin.breakWith(errors.New("write |1: broken pipe"))

	err := h.sup.Relay("a1", json.RawMessage(`{"op":"run"}`))
	require.Error(t, err)

	// Until the process exits the agent keeps its peer entry.
	info, ok := h.sup.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StateTerminating, info.State)
	assert.True(t, h.mesh.hasPeer("kiro-a1"))
	assert.Zero(t, h.sup.CountRunning())

	// A second failed write does not start a second stop.
	err = h.sup.Relay("a1", json.RawMessage(`{"op":"run"}`))
	require.ErrorIs(t, err, ErrInputBroken)

	require.Eventually(t, func() bool {
		_, tracked := h.sup.Get("a1")
		return !tracked
	}, 2*time.Second, 5*time.Millisecond)

	terms, kills := proc.counts()
	assert.Equal(t, 1, terms)
	assert.Equal(t, 1, kills, "killed after ignoring terminate")
	assert.Equal(t, []string{"kiro-a1"}, h.mesh.withdrawals())
	assert.False(t, h.mesh.hasPeer("kiro-a1"))

	require.Eventually(t, func() bool {
		return len(h.ledger.States("a1")) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"starting", "running", "terminating", "terminated"}, h.ledger.States("a1"))
}

func TestShutdownAllDuringInputFailureStop(t *testing.T) {
	h := newHarness(t, Options{ShutdownGrace: 50 * time.Millisecond})
	h.spawner.ignoreTerm = true
	h.launch(t, "a1")
	proc := h.spawner.proc(0)

	proc.stdin.breakWith(errors.New("broken pipe"))
	require.Error(t, h.sup.Relay("a1", json.RawMessage(`{}`)))

	h.sup.ShutdownAll(context.Background())

	select {
	case <-proc.Done():
	default:
		t.Fatal("agent still running after ShutdownAll")
	}
	assert.Empty(t, h.sup.List())
	assert.Equal(t, 1, countState(h.ledger.States("a1"), "terminating"))
}

func countState(states []string, want string) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(42)", State(42).String())

	b, err := json.Marshal(Info{State: StateTerminating})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"terminating"`)
}
