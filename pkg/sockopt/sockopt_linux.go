package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetDontFragment sets IP_MTU_DISCOVER to IP_PMTUDISC_DO, so oversized
// datagrams fail with EMSGSIZE instead of being fragmented.
func SetDontFragment(conn *net.UDPConn) error {
	return control(conn, func(fd int) error {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			return fmt.Errorf("IP_MTU_DISCOVER: %w", err)
		}
		return nil
	})
}
