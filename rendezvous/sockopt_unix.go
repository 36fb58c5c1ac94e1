//go:build unix

package rendezvous

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortListenConfig returns a net.ListenConfig whose sockets set
// SO_REUSEPORT before bind, so a restarted rendezvous process can rebind
// the handshake UDP port immediately instead of waiting out the previous
// socket's TIME_WAIT/lingering state.
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
