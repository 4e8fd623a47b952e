//go:build !linux

package sockopt

import "errors"

func apply(int) {}

// NoDelay is only implemented on linux.
func NoDelay(int) (bool, error) {
	return false, errors.New("sockopt: not supported on this platform")
}
