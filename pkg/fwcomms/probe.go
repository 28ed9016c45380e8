package fwcomms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/psaab/x3core/pkg/sockopt"
)

// DefaultProbeWindow is how long the probe waits for the next reply.
const DefaultProbeWindow = 50 * time.Millisecond

// Probe sends a discovery request to addr (broadcast or unicast) on port
// and returns the IPv4 address of every device that echoed it. Collection
// ends once window passes without a reply. Replies whose flags or sequence
// do not echo the request are dropped.
func Probe(ctx context.Context, addr string, port int, window time.Duration) ([]string, error) {
	if port == 0 {
		port = Port
	}
	if window <= 0 {
		window = DefaultProbeWindow
	}
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()
	if err := sockopt.EnableBroadcast(conn); err != nil {
		return nil, err
	}

	req := Packet{Flags: FlagAck, Sequence: rand.Uint32()}
	if _, err := conn.WriteToUDP(req.Marshal(), raddr); err != nil {
		return nil, fmt.Errorf("send probe to %s: %w", raddr, err)
	}

	var found []string
	buf := make([]byte, MTU)
	for {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return found, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return found, nil
			}
			return found, err
		}
		reply, err := Unmarshal(buf[:n])
		if err != nil {
			slog.Debug("fwcomms: bad probe reply", "from", from, "err", err)
			continue
		}
		if reply.Flags != req.Flags || reply.Sequence != req.Sequence {
			slog.Debug("fwcomms: stale probe reply", "from", from,
				"flags", reply.Flags, "seq", reply.Sequence)
			continue
		}
		found = append(found, from.IP.String())
	}
}
