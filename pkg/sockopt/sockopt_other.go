//go:build !linux

package sockopt

import "net"

// SetDontFragment is a no-op outside Linux; probes may then be fragmented.
func SetDontFragment(conn *net.UDPConn) error {
	return nil
}
