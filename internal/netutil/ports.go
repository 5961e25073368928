// ABOUTME: Port allocation over a contiguous range by bind-and-release probing.
// ABOUTME: ListenInRange keeps the winning listener open so the port cannot be lost to a race.

package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoAvailablePort is returned when every port in the range is taken.
var ErrNoAvailablePort = errors.New("no available ports in range")

// FindAvailablePort probes start..max in order and returns the first port
// that can be bound on all interfaces. The probe listener is released before
// returning.
func FindAvailablePort(start, max int) (int, error) {
	ln, port, err := ListenInRange("", start, max)
	if err != nil {
		return 0, err
	}
	_ = ln.Close()
	return port, nil
}

// ListenInRange binds the first free port in start..max on host and returns
// the open listener with the port it holds.
func ListenInRange(host string, start, max int) (net.Listener, int, error) {
	if start < 1 || max > 65535 || max < start {
		return nil, 0, fmt.Errorf("%w %d-%d: invalid range", ErrNoAvailablePort, start, max)
	}
	for port := start; port <= max; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	return nil, 0, fmt.Errorf("%w %d-%d", ErrNoAvailablePort, start, max)
}
