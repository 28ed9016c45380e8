// Package regs defines motherboard register access: the 32-bit peek/poke
// capability shared by the Ethernet and PCIe control paths, the settings and
// readback register map, and the firmware shared-memory layout.
package regs

// Iface is a synchronous 32-bit register interface. Implementations must be
// safe for concurrent use; the claim heartbeat shares the interface with the
// session that opened it.
type Iface interface {
	Peek32(addr uint32) (uint32, error)
	Poke32(addr, data uint32) error
}

// SRAddr returns the byte address of word offset within a register bank.
func SRAddr(base, offset uint32) uint32 {
	return base + offset*4
}

// Register bank bases.
const (
	FWShmemBase = 0x6000
	SET0Base    = 0xa000
	SETXBBase   = 0xb000
	BootLdrBase = 0xfa00
	I2C1Base    = 0xfe00
)

// Settings registers in SET0 (write side).
const (
	SRLeds      = 0
	SRSwRst     = 1
	SRClockCtrl = 2
	SRXBLocal   = 3
	SRSPI       = 32
	SREthInt0   = 40
	SREthInt1   = 56
	SRDramFIFO0 = 72
	SRDramFIFO1 = 80
)

// ethIntUDPPort is the dispatcher UDP port register within an Ethernet
// interface settings block.
const ethIntUDPPort = 8 + 3

// EthUDPPortAddr returns the dispatcher UDP port register for Ethernet
// interface 0 or 1.
func EthUDPPortAddr(iface int) uint32 {
	if iface == 1 {
		return SRAddr(SET0Base, SREthInt1+ethIntUDPPort)
	}
	return SRAddr(SET0Base, SREthInt0+ethIntUDPPort)
}

// Software reset bits for SRSwRst.
const (
	SwRstEthPhy        = 1 << 0
	SwRstRadio         = 1 << 1
	SwRstRadioPLL      = 1 << 2
	SwRstRadioClkPLL   = 1 << 3
	SwRstADCIdelayCtrl = 1 << 4
)

// Readback registers in SET0 (read side).
const (
	RBSPI       = 2
	RBClkStatus = 3
	RBEthType0  = 4
	RBEthType1  = 5
	RBCompatNum = 6
	RBNumCE     = 7
	RBDramFIFO0 = 10
	RBDramFIFO1 = 11
)

// Firmware shared-memory word offsets within FWShmemBase.
const (
	ShmemCompatNum    = 0
	ShmemGPSDOStatus  = 1
	ShmemUARTRxIndex  = 2
	ShmemUARTTxIndex  = 3
	ShmemClaimStatus  = 5
	ShmemClaimTime    = 6
	ShmemClaimSrc     = 7
	ShmemRouteMapAddr = 11
	ShmemRouteMapLen  = 12
)

// ShmemAddr returns the byte address of a firmware shared-memory word.
func ShmemAddr(offset uint32) uint32 {
	return SRAddr(FWShmemBase, offset)
}

// XBEntries is the number of crossbar table words. The lower half is looked
// up for packets addressed away from the device, the upper half for packets
// matching the device's local address.
const XBEntries = 512

// XBReturnAddr is the crossbar table entry routing return traffic to a host
// source address.
func XBReturnAddr(srcAddr uint32) uint32 {
	return SRAddr(SETXBBase, srcAddr)
}

// XBForwardAddr is the crossbar table entry routing traffic to a local
// endpoint.
func XBForwardAddr(dstEndpoint uint32) uint32 {
	return SRAddr(SETXBBase, XBEntries/2+dstEndpoint)
}

// CompatVersion splits a compat number into major and minor halves.
func CompatVersion(num uint32) (major, minor uint32) {
	return num >> 16, num & 0xffff
}

// PCIeRouterBase is the kernel-space register bank of the PCIe DMA router.
const PCIeRouterBase = 0x500

// PCIeRouterReg returns router register n. Each word is
// (destination << 16) | DMA channel.
func PCIeRouterReg(n uint32) uint32 {
	return SRAddr(PCIeRouterBase, n)
}

// Compatibility majors this host is built against. A firmware mismatch is
// fatal; an FPGA mismatch only degrades operation.
const (
	FWCompatMajor   = 5
	FPGACompatMajor = 0x12
)

// CompatNum packs a major and minor compat version.
func CompatNum(major, minor uint32) uint32 {
	return major<<16 | minor&0xffff
}
