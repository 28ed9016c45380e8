package regs

import "fmt"

// dramFIFOSignature is reported in the upper half of a DRAM FIFO readback
// word when the FIFO core is present in the loaded image.
const dramFIFOSignature = 0xdf1f

// ethType10G is the link-type readback value for a 10 GigE port.
const ethType10G = 0x1

// HasDRAMBuffer reports whether both DRAM FIFO cores respond.
func HasDRAMBuffer(iface Iface) (bool, error) {
	for _, rb := range []uint32{RBDramFIFO0, RBDramFIFO1} {
		v, err := iface.Peek32(SRAddr(SET0Base, rb))
		if err != nil {
			return false, fmt.Errorf("read DRAM FIFO %d: %w", rb-RBDramFIFO0, err)
		}
		if v>>16 != dramFIFOSignature {
			return false, nil
		}
	}
	return true, nil
}

// FPGAOption derives the loaded image option from the two Ethernet port
// types and the DRAM FIFO probe:
//
//	1G  = {0:1G, 1:1G}    HG = {0:1G, 1:10G}    XG = {0:10G, 1:10G}
//
// with an "S" suffix when the image has no DRAM buffer (SRAM only).
func FPGAOption(iface Iface) (string, error) {
	t0, err := iface.Peek32(SRAddr(SET0Base, RBEthType0))
	if err != nil {
		return "", fmt.Errorf("read eth0 type: %w", err)
	}
	t1, err := iface.Peek32(SRAddr(SET0Base, RBEthType1))
	if err != nil {
		return "", fmt.Errorf("read eth1 type: %w", err)
	}
	eth0XG := t0 == ethType10G
	eth1XG := t1 == ethType10G

	option := "1G"
	switch {
	case eth0XG && eth1XG:
		option = "XG"
	case eth1XG:
		option = "HG"
	}

	dram, err := HasDRAMBuffer(iface)
	if err != nil {
		return "", err
	}
	if !dram {
		option += "S"
	}
	return option, nil
}

// DRAMFIFOSignatureWord returns a readback word carrying the DRAM FIFO
// signature, as the simulator presents a populated FIFO.
func DRAMFIFOSignatureWord() uint32 {
	return dramFIFOSignature << 16
}
