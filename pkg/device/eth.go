package device

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/transport"
)

// Factory-default addresses of the two device ports.
var defaultEthAddrs = map[string]transport.EthIface{
	"192.168.10.2": transport.IfaceETH0,
	"192.168.30.2": transport.IfaceETH0,
	"192.168.20.2": transport.IfaceETH1,
	"192.168.40.2": transport.IfaceETH1,
}

// ethIfaceFor maps addr to the device port it reaches: EEPROM ip-addrN
// entries first (even N is eth0, odd N eth1), then the factory defaults.
func ethIfaceFor(addr string, ee map[string]string) transport.EthIface {
	for i := range 4 {
		if ee["ip-addr"+strconv.Itoa(i)] != addr {
			continue
		}
		if i%2 == 0 {
			return transport.IfaceETH0
		}
		return transport.IfaceETH1
	}
	return defaultEthAddrs[addr]
}

// discoverLinks tags each address of the hint with its device port and
// checks it answers a register read. Addresses that map to no port are
// dropped.
func (s *Session) discoverLinks(ee map[string]string) error {
	addrs := []string{s.hint.Value(devaddr.KeyAddr)}
	if second := s.hint.Value(devaddr.KeySecondAddr); second != "" && second != addrs[0] {
		addrs = append(addrs, second)
	}

	for _, addr := range addrs {
		iface := ethIfaceFor(addr, ee)
		if iface == transport.IfaceNone {
			slog.Warn("device: address matches no device port, ignoring", "addr", addr)
			continue
		}
		c, err := s.dialFW(addr)
		if err != nil {
			return fmt.Errorf("invalid address %s: %w", addr, err)
		}
		_, err = c.Peek32(0)
		c.Close()
		if err != nil {
			return fmt.Errorf("invalid address %s: %w", addr, err)
		}
		s.links = append(s.links, transport.Link{Addr: addr, Iface: iface})
		slog.Debug("device: link found", "addr", addr, "iface", iface.String())
	}
	if len(s.links) == 0 {
		return ErrNoLinks
	}
	return nil
}
