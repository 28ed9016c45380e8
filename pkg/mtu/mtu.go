// Package mtu measures the largest UDP payload that survives the path to a
// device in each direction, using the firmware's echo service.
package mtu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/psaab/x3core/pkg/sockopt"
)

const (
	// Port is the firmware echo service UDP port.
	Port = 49158

	// DefaultRoundTimeout bounds each probe round.
	DefaultRoundTimeout = 20 * time.Millisecond

	// HeaderSize is the size of the echo header and the smallest probe.
	HeaderSize = 8

	// MinFrameSize is the minimum IPv4 MTU less the IP and UDP headers.
	MinFrameSize = 576 - 28
)

// Echo header flags.
const (
	FlagEchoRequest = 1 << 0
	FlagEchoReply   = 1 << 1
)

var (
	// ErrUnsupported is returned when the peer does not answer the echo
	// capability probe.
	ErrUnsupported = errors.New("mtu: echo protocol not supported by device")

	// ErrPathTooSmall is returned when a direction converges below
	// MinFrameSize.
	ErrPathTooSmall = errors.New("mtu: path MTU below IP minimum")
)

// Header is the echo record. Layout (big-endian):
//
//	[0:4] Flags
//	[4:8] Size
//
// In a request Size is the reply length wanted; in a reply to a padded
// request it is the length the peer received.
type Header struct {
	Flags uint32
	Size  uint32
}

// Put encodes h into the start of buf.
func (h Header) Put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Flags)
	binary.BigEndian.PutUint32(buf[4:8], h.Size)
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("echo header too short: %d bytes", len(data))
	}
	return Header{
		Flags: binary.BigEndian.Uint32(data[0:4]),
		Size:  binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// FrameSize is a pair of per-direction frame sizes in bytes.
type FrameSize struct {
	Recv int
	Send int
}

// Config parameterizes a probe.
type Config struct {
	Port         int
	RoundTimeout time.Duration
}

// Probe measures the usable frame size to host, searching no higher than
// limit in each direction. Both directions of the result carry the smaller
// of the two measured sizes.
func Probe(ctx context.Context, host string, limit FrameSize, cfg Config) (FrameSize, error) {
	if cfg.Port == 0 {
		cfg.Port = Port
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return FrameSize{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return FrameSize{}, fmt.Errorf("dial %s: %w", raddr, err)
	}
	defer conn.Close()
	if err := sockopt.SetDontFragment(conn); err != nil {
		slog.Debug("mtu: cannot set DF", "addr", host, "err", err)
	}

	p := &prober{
		conn:    conn,
		timeout: cfg.RoundTimeout,
		buf:     make([]byte, max(limit.Recv, limit.Send, HeaderSize)),
	}
	if err := p.hello(); err != nil {
		return FrameSize{}, err
	}

	recv, err := search(ctx, limit.Recv, p.recvRound)
	if err != nil {
		return FrameSize{}, err
	}
	if recv < MinFrameSize {
		return FrameSize{}, fmt.Errorf("receive frame size %d: %w", recv, ErrPathTooSmall)
	}
	send, err := search(ctx, limit.Send, p.sendRound)
	if err != nil {
		return FrameSize{}, err
	}
	if send < MinFrameSize {
		return FrameSize{}, fmt.Errorf("send frame size %d: %w", send, ErrPathTooSmall)
	}

	size := min(recv, send)
	slog.Info("mtu: frame size determined", "addr", host, "recv", recv, "send", send, "size", size)
	return FrameSize{Recv: size, Send: size}, nil
}

// search binary-searches [HeaderSize, limit] for the largest 4-byte aligned
// size round accepts.
func search(ctx context.Context, limit int, round func(size int) bool) (int, error) {
	lo := HeaderSize
	hi := limit &^ 3
	for lo < hi {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		test := (hi/2 + lo/2 + 3) &^ 3
		if round(test) {
			lo = test
		} else {
			hi = test - 4
		}
	}
	return lo, nil
}

type prober struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     []byte
}

// hello checks the peer implements the echo service.
func (p *prober) hello() error {
	Header{Flags: FlagEchoRequest, Size: HeaderSize}.Put(p.buf)
	if _, err := p.conn.Write(p.buf[:HeaderSize]); err != nil {
		return fmt.Errorf("mtu: send capability probe: %w", err)
	}
	n := p.read()
	if n < HeaderSize {
		return ErrUnsupported
	}
	h, _ := ParseHeader(p.buf[:n])
	if h.Flags&FlagEchoReply == 0 {
		return ErrUnsupported
	}
	return nil
}

// recvRound asks the peer to send a reply of size bytes.
func (p *prober) recvRound(size int) bool {
	Header{Flags: FlagEchoRequest, Size: uint32(size)}.Put(p.buf)
	if _, err := p.conn.Write(p.buf[:HeaderSize]); err != nil {
		return false
	}
	return p.read() >= size
}

// sendRound sends a padded request of size bytes; the peer reports how much
// it received.
func (p *prober) sendRound(size int) bool {
	Header{Flags: FlagEchoRequest, Size: HeaderSize}.Put(p.buf)
	if _, err := p.conn.Write(p.buf[:size]); err != nil {
		if !sockopt.IsMessageTooLong(err) {
			slog.Debug("mtu: send failed", "size", size, "err", err)
		}
		return false
	}
	n := p.read()
	if n < HeaderSize {
		return false
	}
	h, _ := ParseHeader(p.buf[:n])
	return int(h.Size) >= size
}

// read waits one round for a reply and returns its length, 0 on timeout.
func (p *prober) read() int {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0
	}
	n, err := p.conn.Read(p.buf)
	if err != nil {
		return 0
	}
	return n
}
