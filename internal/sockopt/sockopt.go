// Package sockopt tunes client sockets for small, latency sensitive
// exchanges: the test client writes a frame and immediately waits for the
// echo, so delayed ACKs only add latency. Nagle's algorithm is already
// disabled by net.Dialer for TCP connections.
package sockopt

import "syscall"

// Control is a net.Dialer Control function that applies the platform's
// socket options to TCP connections. Failures to set an option are
// ignored.
func Control(network, _ string, c syscall.RawConn) error {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil
	}
	return c.Control(func(fd uintptr) {
		apply(int(fd))
	})
}
