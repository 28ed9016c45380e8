package devsim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/psaab/x3core/pkg/regs"
)

// ErrNoBoard is returned by ReadEEPROM for an interface the simulator
// does not serve.
var ErrNoBoard = errors.New("devsim: no board behind interface")

// Ports are the UDP ports every simulated Ethernet board listens on.
type Ports struct {
	FW   int
	MTU  int
	VITA int
}

// Sim hosts simulated boards on loopback addresses and a Rio server.
type Sim struct {
	mu    sync.Mutex
	ports Ports
	eth   map[string]*ethNode
	pcie  map[string]*pcieNode

	rio       *rioServer
	enumErr   error
	closeOnce sync.Once
	closers   []io.Closer
}

// New creates an empty simulator.
func New() *Sim {
	return &Sim{
		eth:  make(map[string]*ethNode),
		pcie: make(map[string]*pcieNode),
	}
}

// Ports returns the service ports. They are fixed by the first
// AddEthernet call.
func (s *Sim) Ports() Ports {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports
}

// Close stops every listener and the Rio server.
func (s *Sim) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		closers := s.closers
		rio := s.rio
		s.mu.Unlock()
		for _, c := range closers {
			c.Close()
		}
		if rio != nil {
			rio.stop()
		}
	})
	return nil
}

// ReadEEPROM returns the EEPROM of the board behind iface. It accepts the
// Ethernet control client, the PCIe kernel proxy and a board's own
// register file.
func (s *Sim) ReadEEPROM(iface regs.Iface) (map[string]string, error) {
	b, err := s.boardFor(iface)
	if err != nil {
		return nil, err
	}
	return b.EEPROM()
}

func (s *Sim) boardFor(iface regs.Iface) (*Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := iface.(type) {
	case interface{ Resource() string }:
		if n, ok := s.pcie[strings.ToUpper(v.Resource())]; ok {
			return n.board, nil
		}
	case interface{ Addr() string }:
		if n, ok := s.eth[v.Addr()]; ok {
			return n.board, nil
		}
	case *regs.Memory:
		for _, n := range s.eth {
			if n.board.Mem == v {
				return n.board, nil
			}
		}
		for _, n := range s.pcie {
			if n.board.Mem == v {
				return n.board, nil
			}
		}
	}
	return nil, ErrNoBoard
}

// EthOptions tune one simulated Ethernet board.
type EthOptions struct {
	// PathMTU is the largest datagram passed in either direction; zero
	// means no limit.
	PathMTU int
	// NoEcho makes the echo service answer like firmware without MTU
	// probe support.
	NoEcho bool
}

type ethNode struct {
	board *Board
	opts  EthOptions

	fw, mtu, vita *net.UDPConn

	mu         sync.Mutex
	programmed []uint32
}

// AddEthernet serves b on ip, which must be a local address such as
// 127.0.0.2.
func (s *Sim) AddEthernet(ip string, b *Board, opts EthOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.eth[ip]; ok {
		return fmt.Errorf("devsim: %s already in use", ip)
	}
	if opts.PathMTU <= 0 {
		opts.PathMTU = 65507
	}
	n := &ethNode{board: b, opts: opts}

	var err error
	if n.fw, s.ports.FW, err = s.listen(ip, s.ports.FW); err != nil {
		return err
	}
	if n.mtu, s.ports.MTU, err = s.listen(ip, s.ports.MTU); err != nil {
		return err
	}
	if n.vita, s.ports.VITA, err = s.listen(ip, s.ports.VITA); err != nil {
		return err
	}
	s.eth[ip] = n
	go n.serveFW()
	go n.serveEcho()
	go n.serveVITA()
	return nil
}

func (s *Sim) listen(ip string, port int) (*net.UDPConn, int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
	if err != nil {
		return nil, 0, fmt.Errorf("devsim: listen %s:%d: %w", ip, port, err)
	}
	s.closers = append(s.closers, conn)
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// Programmed returns the SIDs carried by programming packets received on
// the data port of ip.
func (s *Sim) Programmed(ip string) []uint32 {
	s.mu.Lock()
	n := s.eth[ip]
	s.mu.Unlock()
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.programmed)
}

func (n *ethNode) serveFW() {
	buf := make([]byte, fwMTU)
	for {
		nb, from, err := n.fw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply, ok := n.handleFW(buf[:nb])
		if !ok {
			continue
		}
		n.fw.WriteToUDP(reply, from)
	}
}

func (n *ethNode) serveEcho() {
	buf := make([]byte, 65536)
	for {
		nb, from, err := n.mtu.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if nb > n.opts.PathMTU {
			continue
		}
		reply, ok := echoReply(buf[:nb], n.opts.PathMTU, !n.opts.NoEcho)
		if !ok {
			continue
		}
		n.mtu.WriteToUDP(reply, from)
	}
}

func (n *ethNode) serveVITA() {
	buf := make([]byte, 65536)
	for {
		nb, from, err := n.vita.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if s, ok := programmingSID(buf[:nb]); ok {
			n.mu.Lock()
			n.programmed = append(n.programmed, s)
			n.mu.Unlock()
			slog.Debug("devsim: stream programmed", "sid", fmt.Sprintf("%08x", s), "from", from)
			continue
		}
		n.vita.WriteToUDP(buf[:nb], from)
	}
}
