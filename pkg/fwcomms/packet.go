// Package fwcomms speaks the device firmware's UDP control protocol: 32-bit
// register peek/poke and the discovery probe.
package fwcomms

import (
	"encoding/binary"
	"fmt"
)

const (
	// Port is the firmware comms UDP port.
	Port = 49152

	// VITAPort is the UDP port the device sends and receives stream data on.
	VITAPort = 49153

	// MTU is the largest firmware comms datagram.
	MTU = 8192
)

// Packet flags.
const (
	FlagAck    = 1 << 0
	FlagError  = 1 << 1
	FlagPoke32 = 1 << 2
	FlagPeek32 = 1 << 3
)

// PacketSize is the encoded size of a Packet.
const PacketSize = 16

// Packet is the firmware comms record. Layout (big-endian):
//
//	[0:4]   Flags
//	[4:8]   Sequence
//	[8:12]  Addr
//	[12:16] Data
type Packet struct {
	Flags    uint32
	Sequence uint32
	Addr     uint32
	Data     uint32
}

// Marshal encodes the packet to wire format.
func (p Packet) Marshal() []byte {
	buf := make([]byte, PacketSize)
	p.MarshalTo(buf)
	return buf
}

// MarshalTo encodes into buf, which must hold PacketSize bytes.
func (p Packet) MarshalTo(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], p.Flags)
	binary.BigEndian.PutUint32(buf[4:8], p.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], p.Addr)
	binary.BigEndian.PutUint32(buf[12:16], p.Data)
}

// Unmarshal decodes a packet from wire format.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < PacketSize {
		return Packet{}, fmt.Errorf("fw comms packet too short: %d bytes", len(data))
	}
	return Packet{
		Flags:    binary.BigEndian.Uint32(data[0:4]),
		Sequence: binary.BigEndian.Uint32(data[4:8]),
		Addr:     binary.BigEndian.Uint32(data[8:12]),
		Data:     binary.BigEndian.Uint32(data[12:16]),
	}, nil
}
