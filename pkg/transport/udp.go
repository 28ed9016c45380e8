package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/psaab/x3core/pkg/sockopt"
)

// UDP is a connected datagram transport to one device link.
type UDP struct {
	conn   *net.UDPConn
	params Params

	recvBuf int
	sendBuf int
}

var _ Transport = (*UDP)(nil)

// DialUDP connects to host:port and sizes the kernel socket buffers to hold
// the configured frames.
func DialUDP(host string, port int, p Params) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	want := p.RecvFrameSize * p.NumRecvFrames
	wantSend := p.SendFrameSize * p.NumSendFrames
	recv, send, err := sockopt.SetBuffers(conn, want, wantSend)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if recv < want {
		slog.Warn("transport: receive socket buffer smaller than requested",
			"addr", raddr, "want", want, "got", recv)
	}
	return &UDP{conn: conn, params: p, recvBuf: recv, sendBuf: send}, nil
}

// Send implements Transport.
func (u *UDP) Send(frame []byte) error {
	if len(frame) > u.params.SendFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds send frame size %d", len(frame), u.params.SendFrameSize)
	}
	_, err := u.conn.Write(frame)
	return err
}

// Recv implements Transport.
func (u *UDP) Recv(timeout time.Duration) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, u.params.RecvFrameSize)
	n, err := u.conn.Read(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return buf[:n], nil
}

func (u *UDP) SendFrameSize() int { return u.params.SendFrameSize }
func (u *UDP) RecvFrameSize() int { return u.params.RecvFrameSize }

// SocketBuffers returns the kernel's receive and send buffer sizes.
func (u *UDP) SocketBuffers() (recv, send int) { return u.recvBuf, u.sendBuf }

// LocalAddr returns the local socket address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close implements Transport.
func (u *UDP) Close() error { return u.conn.Close() }
