// ABOUTME: Peer transport backed by an agent process's stdin.
// ABOUTME: Frames are compacted to single JSON lines; the first write failure is reported once.

package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("process transport closed")

	// ErrInputBroken is returned by Send after a write to the process failed.
	ErrInputBroken = errors.New("process input broken")
)

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// processTransport implements peer.Transport over a process's stdin.
type processTransport struct {
	w            io.WriteCloser
	writeTimeout time.Duration
	onFailure    func(error)

	mu     sync.Mutex
	closed bool
	broken error
}

// newProcessTransport wraps w. onFailure, when set, is called once with the
// first write error; later sends fail immediately.
func newProcessTransport(w io.WriteCloser, writeTimeout time.Duration, onFailure func(error)) *processTransport {
	return &processTransport{w: w, writeTimeout: writeTimeout, onFailure: onFailure}
}

// Send writes data as one line. Valid JSON is compacted first; anything else
// is written as-is.
func (t *processTransport) Send(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimRight(data, "\r\n"))
	}
	buf.WriteByte('\n')

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.broken != nil {
		err := t.broken
		t.mu.Unlock()
		return err
	}
	if d, ok := t.w.(deadliner); ok && t.writeTimeout > 0 {
		// Pipes without poller support report an error here; writes then block.
		_ = d.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	_, err := t.w.Write(buf.Bytes())
	if err != nil {
		t.broken = fmt.Errorf("%w: %v", ErrInputBroken, err)
	}
	t.mu.Unlock()

	if err != nil && t.onFailure != nil {
		t.onFailure(err)
	}
	return err
}

// Close closes stdin. Idempotent.
func (t *processTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.w.Close()
}
