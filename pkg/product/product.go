// Package product maps PCIe subsystem IDs and EEPROM product codes to the
// motherboard family.
package product

import (
	"log/slog"
	"strconv"
)

// Board is a motherboard family.
type Board int

const (
	Unknown Board = iota
	X300
	X310
)

func (b Board) String() string {
	switch b {
	case X300:
		return "X300"
	case X310:
		return "X310"
	default:
		return ""
	}
}

// Subsystem IDs. The EEPROM product code uses the same numbering.
const (
	X300SSIDADC33 = 0x7736
	X300SSIDADC18 = 0x7861
	X310SSIDADC33 = 0x76CA
	X310SSIDADC18 = 0x78F0
)

var boards = map[uint32]Board{
	X300SSIDADC33: X300,
	X300SSIDADC18: X300,
	X310SSIDADC33: X310,
	X310SSIDADC18: X310,

	// NI 29xx-R variants with 3.3V ADCs.
	0x772B: X310, // 2940R 40MHz
	0x77FB: X310, // 2940R 120MHz
	0x772C: X310, // 2942R 40MHz
	0x77FC: X310, // 2942R 120MHz
	0x772D: X310, // 2943R 40MHz
	0x77FD: X310, // 2943R 120MHz
	0x772E: X310, // 2944R 40MHz
	0x772F: X310, // 2950R 40MHz
	0x77FE: X310, // 2950R 120MHz
	0x7730: X310, // 2952R 40MHz
	0x77FF: X310, // 2952R 120MHz
	0x7731: X310, // 2953R 40MHz
	0x7800: X310, // 2953R 120MHz
	0x7732: X310, // 2954R 40MHz

	// 1.8V ADCs.
	0x7853: X310, // 2940R 40MHz
	0x785B: X310, // 2940R 120MHz
	0x7854: X310, // 2942R 40MHz
	0x785C: X310, // 2942R 120MHz
	0x7855: X310, // 2943R 40MHz
	0x785D: X310, // 2943R 120MHz
	0x7856: X310, // 2944R 40MHz
	0x7857: X310, // 2950R 40MHz
	0x785E: X310, // 2950R 120MHz
	0x7858: X310, // 2952R 40MHz
	0x785F: X310, // 2952R 120MHz
	0x7859: X310, // 2953R 40MHz
	0x7860: X310, // 2953R 120MHz
	0x785A: X310, // 2954R 40MHz
}

// FromSSID returns the board for a PCIe subsystem ID.
func FromSSID(ssid uint32) Board {
	return boards[ssid]
}

// FromEEPROM returns the board for the EEPROM "product" value, a decimal
// product code. Empty or unparsable values are Unknown.
func FromEEPROM(code string) Board {
	if code == "" {
		return Unknown
	}
	n, err := strconv.ParseUint(code, 10, 16)
	if err != nil {
		n = 0
	}
	b := boards[uint32(n)]
	if b == Unknown {
		slog.Warn("product: unknown product code in EEPROM", "code", code)
	}
	return b
}
