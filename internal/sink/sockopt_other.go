//go:build !linux

package sink

// setSendBuffer is a no-op on platforms without a unix.SetsockoptInt
// binding wired up; the relay still functions, just without the
// explicit SO_SNDBUF raise sockopt_linux.go performs on Linux.
func setSendBuffer(fd uintptr, size int) {}
