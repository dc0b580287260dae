//go:build unix

package torrent

import "golang.org/x/sys/unix"

// setReusePortSockOpts lets multiple sockets bind the same port, used only
// if dialFromListenPort is ever turned on (see socket.go).
func setReusePortSockOpts(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockNoLinger disables SO_LINGER so closing a TCP connection doesn't
// block waiting to flush, and doesn't send a RST for unsent data.
func setSockNoLinger(fd uintptr) error {
	return unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
}
