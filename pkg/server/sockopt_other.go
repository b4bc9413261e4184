//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

func setSocketOptions(fd uintptr) error {
	return nil
}
