package devsim

import (
	"encoding/binary"

	"github.com/psaab/x3core/pkg/fwcomms"
	"github.com/psaab/x3core/pkg/mtu"
	"github.com/psaab/x3core/pkg/regs"
)

const fwMTU = fwcomms.MTU

// handleFW answers one firmware comms request against the board registers.
// Requests without a register flag are discovery probes and are echoed.
func (n *ethNode) handleFW(data []byte) ([]byte, bool) {
	req, err := fwcomms.Unmarshal(data)
	if err != nil {
		return nil, false
	}
	return serveRegs(n.board.Mem, req).Marshal(), true
}

func serveRegs(mem regs.Iface, req fwcomms.Packet) fwcomms.Packet {
	reply := req
	var err error
	switch {
	case req.Flags&fwcomms.FlagPeek32 != 0:
		reply.Data, err = mem.Peek32(req.Addr)
	case req.Flags&fwcomms.FlagPoke32 != 0:
		err = mem.Poke32(req.Addr, req.Data)
	}
	if err != nil {
		reply.Flags |= fwcomms.FlagError
	}
	return reply
}

// echoReply builds the echo service answer for a request that reached the
// board. Replies larger than pathMTU are truncated, as the return path
// would. Without support the request is returned unchanged.
func echoReply(data []byte, pathMTU int, supported bool) ([]byte, bool) {
	req, err := mtu.ParseHeader(data)
	if err != nil {
		return nil, false
	}
	if !supported {
		return append([]byte(nil), data...), true
	}
	size := int(req.Size)
	if len(data) > mtu.HeaderSize {
		size = mtu.HeaderSize
		req.Size = uint32(len(data))
	}
	size = min(max(size, mtu.HeaderSize), pathMTU)
	reply := make([]byte, size)
	mtu.Header{Flags: mtu.FlagEchoReply, Size: req.Size}.Put(reply)
	return reply, true
}

// programmingSID recognizes the 8-byte {0, sid} packet a host sends first
// on a new data socket.
func programmingSID(data []byte) (uint32, bool) {
	if len(data) != 8 || binary.BigEndian.Uint32(data[0:4]) != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[4:8]), true
}

// reverseSID swaps the source and destination halves of the little-endian
// SID word of a PCIe frame, turning a host frame into the device's answer.
func reverseSID(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	if len(out) < 8 {
		return out
	}
	s := binary.LittleEndian.Uint32(out[4:8])
	binary.LittleEndian.PutUint32(out[4:8], s<<16|s>>16)
	return out
}
