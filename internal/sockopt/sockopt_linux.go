//go:build linux

package sockopt

import "golang.org/x/sys/unix"

// apply sets TCP_QUICKACK. It is not sticky; it is set once as a best
// effort for the handshake round trip.
func apply(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
}

// NoDelay reports whether TCP_NODELAY is set on fd.
func NoDelay(fd int) (bool, error) {
	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	return v != 0, err
}
