//go:build unix

// ABOUTME: Tests that run the hub with a real supervisor and /bin/sh agent stand-ins.
// ABOUTME: Covers the mesh view of an agent whose stdin breaks while it is still running.

package relay

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ag-mesh-relay/internal/agent"
)

func shellAgent(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-kiro.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestAgentClosingStdinLeavesMeshWithItsProcess(t *testing.T) {
	script := shellAgent(t, "exec 0<&-\nsleep 30\n")

	th := newTestHub(t, Options{})
	sup := agent.NewSupervisor(th.Hub, slog.Default(), agent.Options{
		Command:       script,
		ShutdownGrace: 2 * time.Second,
	})
	th.SetAgents(sup)
	t.Cleanup(func() { sup.ShutdownAll(context.Background()) })

	a := th.join(t, "alice")
	_, err := sup.Launch(context.Background(), "a1", agent.LaunchConfig{WorkingPath: t.TempDir()})
	require.NoError(t, err)

	// Writes succeed until the agent has closed its end of the pipe. While
	// the agent is Running it must stay in the registry.
	var runningWithoutPeer bool
	require.Eventually(t, func() bool {
		th.Broadcast([]byte(`{"type":"chat","text":"ping"}`), "alice")
		info, ok := sup.Get("a1")
		if ok && info.State == agent.StateRunning {
			if _, registered := th.Registry().Lookup("kiro-a1"); !registered {
				runningWithoutPeer = true
			}
			return false
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, runningWithoutPeer, "running agent missing from registry")

	offline := func() int { return offlineFrom(a.frames(t), "kiro-a1") }
	require.Eventually(t, func() bool { return offline() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, tracked := sup.Get("a1")
	assert.False(t, tracked)
	_, registered := th.Registry().Lookup("kiro-a1")
	assert.False(t, registered)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, offline(), "alice hears the agent leave exactly once")
}
