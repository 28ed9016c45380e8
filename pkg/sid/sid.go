// Package sid defines stream IDs: 32-bit tags the device crossbar routes on.
package sid

import "fmt"

// SID packs a directional circuit. Layout, most significant byte first:
//
//	[31:24] source address
//	[23:16] source endpoint
//	[15:8]  destination address
//	[7:0]   destination endpoint
//
// The upper nibble of the destination endpoint selects the crossbar port,
// the lower nibble the block port behind it.
type SID uint32

// New packs the four fields.
func New(srcAddr, srcEndpoint, dstAddr, dstEndpoint uint8) SID {
	return SID(uint32(srcAddr)<<24 | uint32(srcEndpoint)<<16 | uint32(dstAddr)<<8 | uint32(dstEndpoint))
}

// SrcAddr returns the source address.
func (s SID) SrcAddr() uint8 { return uint8(s >> 24) }

// SrcEndpoint returns the source endpoint.
func (s SID) SrcEndpoint() uint8 { return uint8(s >> 16) }

// DstAddr returns the destination address.
func (s SID) DstAddr() uint8 { return uint8(s >> 8) }

// DstEndpoint returns the destination endpoint.
func (s SID) DstEndpoint() uint8 { return uint8(s) }

// Src returns the 16-bit source half.
func (s SID) Src() uint16 { return uint16(s >> 16) }

// Dst returns the 16-bit destination half.
func (s SID) Dst() uint16 { return uint16(s) }

// DstXbarPort returns the crossbar port of the destination.
func (s SID) DstXbarPort() uint8 { return s.DstEndpoint() >> 4 }

// DstBlockPort returns the block port of the destination.
func (s SID) DstBlockPort() uint8 { return s.DstEndpoint() & 0xf }

// Reversed swaps source and destination, giving the return path.
func (s SID) Reversed() SID {
	return SID(uint32(s.Dst())<<16 | uint32(s.Src()))
}

func (s SID) String() string {
	return fmt.Sprintf("%02x:%02x>%02x:%02x", s.SrcAddr(), s.SrcEndpoint(), s.DstAddr(), s.DstEndpoint())
}

// Address is the destination half of a SID, as callers request a stream to
// a block on the device.
type Address struct {
	Addr     uint8
	Endpoint uint8
}

// XbarPort returns the crossbar port the endpoint is behind.
func (a Address) XbarPort() uint8 { return a.Endpoint >> 4 }
