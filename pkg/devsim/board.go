// Package devsim simulates motherboards for tests: the firmware register
// file, the Ethernet firmware services and the PCIe Rio server.
package devsim

import (
	"maps"
	"strings"
	"sync"

	"github.com/psaab/x3core/pkg/regs"
)

// BoardConfig describes a simulated motherboard. Zero compat numbers take
// the values this host expects.
type BoardConfig struct {
	FWCompat   uint32
	FPGACompat uint32
	// Image selects the Ethernet port types and DRAM presence, e.g. "HG",
	// "XGS". Empty means "HG".
	Image  string
	NumCE  uint32
	EEPROM map[string]string
	// Unlocked leaves every clock lock bit clear.
	Unlocked bool
}

// Board is one simulated motherboard.
type Board struct {
	// Mem is the ZPU register space.
	Mem *regs.Memory

	mu        sync.Mutex
	eeprom    map[string]string
	eepromErr error
}

// NewBoard builds a board. Claim status follows the claim-time word as the
// firmware maintains it.
func NewBoard(cfg BoardConfig) *Board {
	mem := regs.NewMemory()
	b := &Board{Mem: mem, eeprom: maps.Clone(cfg.EEPROM)}
	if b.eeprom == nil {
		b.eeprom = make(map[string]string)
	}

	if cfg.FWCompat == 0 {
		cfg.FWCompat = regs.CompatNum(regs.FWCompatMajor, 0)
	}
	if cfg.FPGACompat == 0 {
		cfg.FPGACompat = regs.CompatNum(regs.FPGACompatMajor, 0)
	}
	if cfg.Image == "" {
		cfg.Image = "HG"
	}
	mem.Store(regs.ShmemAddr(regs.ShmemCompatNum), cfg.FWCompat)
	rb := func(n, v uint32) { mem.SetReadback(regs.SRAddr(regs.SET0Base, n), v) }
	rb(regs.RBCompatNum, cfg.FPGACompat)
	rb(regs.RBNumCE, cfg.NumCE)

	var eth0, eth1 uint32
	switch {
	case strings.HasPrefix(cfg.Image, "XG"):
		eth0, eth1 = 1, 1
	case strings.HasPrefix(cfg.Image, "HG"):
		eth1 = 1
	}
	rb(regs.RBEthType0, eth0)
	rb(regs.RBEthType1, eth1)
	if !strings.HasSuffix(cfg.Image, "S") {
		rb(regs.RBDramFIFO0, regs.DRAMFIFOSignatureWord())
		rb(regs.RBDramFIFO1, regs.DRAMFIFOSignatureWord())
	}

	var status uint32
	if !cfg.Unlocked {
		status = regs.ClkStatusLMKLock.Put(status, 1)
		status = regs.ClkStatusRadioClkLock.Put(status, 1)
		status = regs.ClkStatusIdelayCtrlLock.Put(status, 1)
	}
	rb(regs.RBClkStatus, status)

	claimStatus := regs.ShmemAddr(regs.ShmemClaimStatus)
	claimTime := regs.ShmemAddr(regs.ShmemClaimTime)
	mem.PeekHook = func(addr uint32) (uint32, bool) {
		if addr != claimStatus {
			return 0, false
		}
		if mem.Word(claimTime) != 0 {
			return 1, true
		}
		return 0, true
	}
	return b
}

// Claimed reports whether the firmware currently sees a claim.
func (b *Board) Claimed() bool {
	return b.Mem.Word(regs.ShmemAddr(regs.ShmemClaimTime)) != 0
}

// ClaimSource returns the identity stored by the claiming process.
func (b *Board) ClaimSource() uint32 {
	return b.Mem.Word(regs.ShmemAddr(regs.ShmemClaimSrc))
}

// ClaimAs marks the board claimed by another process identity.
func (b *Board) ClaimAs(identity uint32) {
	b.Mem.Store(regs.ShmemAddr(regs.ShmemClaimTime), 1)
	b.Mem.Store(regs.ShmemAddr(regs.ShmemClaimSrc), identity)
}

// EEPROM returns a copy of the EEPROM contents.
func (b *Board) EEPROM() (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eepromErr != nil {
		return nil, b.eepromErr
	}
	return maps.Clone(b.eeprom), nil
}

// SetEEPROM writes one EEPROM key.
func (b *Board) SetEEPROM(key, value string) {
	b.mu.Lock()
	b.eeprom[key] = value
	b.mu.Unlock()
}

// FailEEPROM makes EEPROM reads fail with err; nil clears it.
func (b *Board) FailEEPROM(err error) {
	b.mu.Lock()
	b.eepromErr = err
	b.mu.Unlock()
}
