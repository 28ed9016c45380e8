// Package router allocates stream IDs, programs the device crossbar for
// them, and hands out PCIe DMA channels.
//
// Allocation order matters for the crossbar, so transport construction for
// a device should be serialized by the caller. The counters are safe to
// read from any goroutine.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/sid"
)

// ErrResourceExhausted is returned when stream endpoints or DMA channels
// run out.
var ErrResourceExhausted = errors.New("resource exhausted")

// Host-side crossbar source addresses.
const (
	SrcAddr0 = 0
	SrcAddr1 = 1
	// DstAddr is the device's own crossbar address; motherboard i answers
	// on DstAddr+i.
	DstAddr = 2
)

// Crossbar ports on the device.
const (
	XbarPortE0  = 0
	XbarPortE1  = 1
	XbarPortPCI = 2
)

// Kind is the role of a stream.
type Kind int

const (
	Control Kind = iota
	TXData
	RXData
)

func (k Kind) String() string {
	switch k {
	case Control:
		return "control"
	case TXData:
		return "tx-data"
	case RXData:
		return "rx-data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Router assigns source endpoints from a counter that is never reused.
type Router struct {
	mu   sync.Mutex
	next int
}

// New creates a router whose first stream gets source endpoint 0.
func New() *Router {
	return &Router{}
}

// Allocated returns how many SIDs have been handed out.
func (r *Router) Allocated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// AllocateSID forms a SID to dst from (srcAddr, next endpoint) and programs
// the crossbar behind iface: the local address register, the forward entry
// for the destination endpoint, and the return entry routing srcAddr to
// crossbar port srcDst. It returns the forward SID.
func (r *Router) AllocateSID(iface regs.Iface, dst sid.Address, srcAddr, srcDst uint8) (sid.SID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > 0xff {
		return 0, fmt.Errorf("device source endpoints: all %d in use: %w", r.next, ErrResourceExhausted)
	}
	s := sid.New(srcAddr, uint8(r.next), dst.Addr, dst.Endpoint)

	if err := iface.Poke32(regs.SRAddr(regs.SET0Base, regs.SRXBLocal), uint32(dst.Addr)); err != nil {
		return 0, fmt.Errorf("program local address: %w", err)
	}
	if err := iface.Poke32(regs.XBForwardAddr(uint32(dst.Endpoint)), uint32(dst.XbarPort())); err != nil {
		return 0, fmt.Errorf("program forward route: %w", err)
	}
	if err := iface.Poke32(regs.XBReturnAddr(uint32(srcAddr)), uint32(srcDst)); err != nil {
		return 0, fmt.Errorf("program return route: %w", err)
	}
	r.next++

	slog.Debug("router: sid allocated", "sid", s, "src_dst", srcDst)
	return s, nil
}

// ClearRoutes zeroes every crossbar table entry.
func ClearRoutes(iface regs.Iface) error {
	for i := uint32(0); i < regs.XBEntries; i++ {
		if err := iface.Poke32(regs.SRAddr(regs.SETXBBase, i), 0); err != nil {
			return fmt.Errorf("clear crossbar entry %d: %w", i, err)
		}
	}
	return nil
}
