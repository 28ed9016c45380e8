// Package sockopt sets the UDP socket options the device links need.
package sockopt

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func control(conn *net.UDPConn, fn func(fd int) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	}); err != nil {
		return err
	}
	return opErr
}

// EnableBroadcast sets SO_BROADCAST so the socket may send to a broadcast
// address.
func EnableBroadcast(conn *net.UDPConn) error {
	return control(conn, func(fd int) error {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			return fmt.Errorf("SO_BROADCAST: %w", err)
		}
		return nil
	})
}

// SetBuffers requests kernel receive and send buffer sizes and returns the
// sizes the kernel actually applied. A zero request leaves that side alone.
func SetBuffers(conn *net.UDPConn, recv, send int) (effRecv, effSend int, err error) {
	err = control(conn, func(fd int) error {
		if recv > 0 {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
				return fmt.Errorf("SO_RCVBUF: %w", err)
			}
		}
		if send > 0 {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
				return fmt.Errorf("SO_SNDBUF: %w", err)
			}
		}
		var err error
		if effRecv, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF); err != nil {
			return fmt.Errorf("get SO_RCVBUF: %w", err)
		}
		if effSend, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF); err != nil {
			return fmt.Errorf("get SO_SNDBUF: %w", err)
		}
		return nil
	})
	return effRecv, effSend, err
}

// IsMessageTooLong reports whether err is the kernel refusing a datagram
// larger than the path MTU.
func IsMessageTooLong(err error) bool {
	return errors.Is(err, unix.EMSGSIZE)
}
