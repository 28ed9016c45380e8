// Package transport builds the send/receive paths streams use to reach the
// device: UDP sockets on Ethernet links, DMA channels on PCIe, and the
// control multiplexer and receive offload stages layered on them.
package transport

import (
	"errors"
	"strconv"
	"time"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/sid"
)

// ErrTimeout is returned by Recv when no frame arrives in time.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

// Kind aliases the stream role the router allocates channels by.
type Kind = router.Kind

const (
	Control = router.Control
	TXData  = router.TXData
	RXData  = router.RXData
)

// Transport moves whole frames to and from the device.
type Transport interface {
	// Send transmits one frame.
	Send(frame []byte) error
	// Recv waits up to timeout for the next frame.
	Recv(timeout time.Duration) ([]byte, error)
	SendFrameSize() int
	RecvFrameSize() int
	Close() error
}

// Params sizes a transport's frames and buffering.
type Params struct {
	SendFrameSize int
	RecvFrameSize int
	NumSendFrames int
	NumRecvFrames int
}

// Pair is the result of building a stream.
type Pair struct {
	Send Transport
	Recv Transport

	SendSID sid.SID
	RecvSID sid.SID

	// SendBuffSize and RecvBuffSize are the kernel socket buffer sizes on
	// Ethernet, frames times frame size on PCIe.
	SendBuffSize int
	RecvBuffSize int

	// Channel is the DMA channel on PCIe.
	Channel uint32
}

// Close closes the underlying transport(s).
func (p *Pair) Close() error {
	err := p.Recv.Close()
	if p.Send != p.Recv {
		if serr := p.Send.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// Stream argument keys accepted by data streams.
const (
	ArgRecvFrameSize = "recv_frame_size"
	ArgSendFrameSize = "send_frame_size"
	ArgNumRecvFrames = "num_recv_frames"
	ArgNumSendFrames = "num_send_frames"
)

// applyArgs overrides p from stream arguments. Frame sizes may only shrink.
func applyArgs(p Params, args devaddr.Addr) Params {
	if n := argInt(args, ArgRecvFrameSize); n > 0 && n < p.RecvFrameSize {
		p.RecvFrameSize = n
	}
	if n := argInt(args, ArgSendFrameSize); n > 0 && n < p.SendFrameSize {
		p.SendFrameSize = n
	}
	if n := argInt(args, ArgNumRecvFrames); n > 0 {
		p.NumRecvFrames = n
	}
	if n := argInt(args, ArgNumSendFrames); n > 0 {
		p.NumSendFrames = n
	}
	return p
}

func argInt(args devaddr.Addr, key string) int {
	v, ok := args.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
