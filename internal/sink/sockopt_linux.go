//go:build linux

package sink

import "golang.org/x/sys/unix"

// setSendBuffer raises SO_SNDBUF on fd to at least size. The kernel
// doubles whatever value is set (see socket(7)), which only helps.
func setSendBuffer(fd uintptr, size int) {
	if cur, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil && cur >= size {
		return
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}
