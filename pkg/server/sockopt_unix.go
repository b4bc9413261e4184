//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import "golang.org/x/sys/unix"

// setSocketOptions enables SO_REUSEADDR so a restarted server can rebind
// while old connections sit in TIME_WAIT
func setSocketOptions(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
