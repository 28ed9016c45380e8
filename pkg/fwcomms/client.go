package fwcomms

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/psaab/x3core/pkg/regs"
)

// ErrTimeout is returned when the firmware does not acknowledge a request.
var ErrTimeout = errors.New("fw comms: no reply")

// ErrNack is returned when the firmware answers with the error flag set.
var ErrNack = errors.New("fw comms: request rejected")

const (
	// DefaultTimeout bounds the wait for each reply.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultRetries is how many times a request is re-sent after a timeout.
	DefaultRetries = 2
)

// Config parameterizes a control Client. Zero fields take defaults; a
// negative Retries disables retries.
type Config struct {
	Port    int
	Timeout time.Duration
	Retries int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = Port
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	return c
}

// Client is the Ethernet register interface to one device. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	cfg  Config
	addr string

	mu   sync.Mutex
	conn *net.UDPConn
	seq  uint32
	buf  []byte
}

var _ regs.Iface = (*Client)(nil)

// Dial connects a control client to the firmware at host.
func Dial(host string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	return &Client{
		cfg:  cfg,
		addr: host,
		conn: conn,
		buf:  make([]byte, MTU),
	}, nil
}

// Addr returns the device address the client talks to.
func (c *Client) Addr() string { return c.addr }

// Close releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Peek32 reads a 32-bit register.
func (c *Client) Peek32(addr uint32) (uint32, error) {
	reply, err := c.transact(FlagAck|FlagPeek32, addr, 0)
	if err != nil {
		return 0, fmt.Errorf("peek 0x%x: %w", addr, err)
	}
	return reply.Data, nil
}

// Poke32 writes a 32-bit register and waits for the acknowledgment.
func (c *Client) Poke32(addr, data uint32) error {
	if _, err := c.transact(FlagAck|FlagPoke32, addr, data); err != nil {
		return fmt.Errorf("poke 0x%x: %w", addr, err)
	}
	return nil
}

func (c *Client) transact(flags, addr, data uint32) (Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		c.seq++
		req := Packet{Flags: flags, Sequence: c.seq, Addr: addr, Data: data}
		if _, err := c.conn.Write(req.Marshal()); err != nil {
			return Packet{}, err
		}
		reply, err := c.awaitReply(req)
		if errors.Is(err, ErrTimeout) {
			slog.Debug("fwcomms: request timed out", "addr", c.addr, "reg", addr, "attempt", attempt)
			continue
		}
		return reply, err
	}
	return Packet{}, ErrTimeout
}

// awaitReply reads until a reply to req arrives. Replies to earlier,
// timed-out requests are discarded.
func (c *Client) awaitReply(req Packet) (Packet, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Packet{}, err
	}
	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return Packet{}, ErrTimeout
			}
			return Packet{}, err
		}
		reply, err := Unmarshal(c.buf[:n])
		if err != nil {
			slog.Debug("fwcomms: bad reply", "addr", c.addr, "err", err)
			continue
		}
		if reply.Sequence != req.Sequence {
			continue
		}
		if reply.Flags&FlagError != 0 {
			return reply, ErrNack
		}
		return reply, nil
	}
}
