package regs

import "sync"

// Field is a bit field within a 32-bit register.
type Field struct {
	Width uint
	Shift uint
}

func (f Field) mask() uint32 {
	return ((1 << f.Width) - 1) << f.Shift
}

// Get extracts the field from a register value.
func (f Field) Get(v uint32) uint32 {
	return (v & f.mask()) >> f.Shift
}

// Put returns v with the field replaced by x.
func (f Field) Put(v, x uint32) uint32 {
	return (v &^ f.mask()) | ((x << f.Shift) & f.mask())
}

// Clock control register fields.
var (
	ClkCtrlPPSSelect  = Field{Width: 2, Shift: 0}
	ClkCtrlClkSource  = Field{Width: 2, Shift: 2}
	ClkCtrlPPSOutEn   = Field{Width: 1, Shift: 4}
	ClkCtrlTCXOEn     = Field{Width: 1, Shift: 5}
	ClkCtrlGPSDOPwrEn = Field{Width: 1, Shift: 6}
	ClkCtrlTimeSync   = Field{Width: 1, Shift: 7}
)

// Source select values for ClkCtrlPPSSelect and ClkCtrlClkSource.
const (
	SrcExternal = 0x0
	SrcInternal = 0x2
	SrcGPSDO    = 0x3
)

// Clock status register fields.
var (
	ClkStatusLMKStatus      = Field{Width: 2, Shift: 0}
	ClkStatusLMKLock        = Field{Width: 1, Shift: 2}
	ClkStatusLMKHoldover    = Field{Width: 1, Shift: 3}
	ClkStatusPPSDetect      = Field{Width: 1, Shift: 4}
	ClkStatusRadioClkLock   = Field{Width: 1, Shift: 5}
	ClkStatusIdelayCtrlLock = Field{Width: 1, Shift: 6}
)

// ShadowReg is a write-only register whose value is cached host side so
// individual fields can be updated without a read-back.
type ShadowReg struct {
	iface Iface
	addr  uint32

	mu  sync.Mutex
	val uint32
}

// NewShadowReg creates a shadowed register at addr with an initial cached value.
// Nothing is written until Flush or Write.
func NewShadowReg(iface Iface, addr, initial uint32) *ShadowReg {
	return &ShadowReg{iface: iface, addr: addr, val: initial}
}

// Set updates a field in the cache only.
func (r *ShadowReg) Set(f Field, x uint32) {
	r.mu.Lock()
	r.val = f.Put(r.val, x)
	r.mu.Unlock()
}

// Get returns a field from the cache.
func (r *ShadowReg) Get(f Field) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f.Get(r.val)
}

// Flush writes the cached value to hardware. The lock is held across the
// write so hardware sees updates in cache order.
func (r *ShadowReg) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iface.Poke32(r.addr, r.val)
}

// Write sets a field and flushes the register.
func (r *ShadowReg) Write(f Field, x uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.val = f.Put(r.val, x)
	return r.iface.Poke32(r.addr, r.val)
}

// StatusReg is a read-only register read fresh on every access.
type StatusReg struct {
	iface Iface
	addr  uint32
}

// NewStatusReg creates a status register at addr.
func NewStatusReg(iface Iface, addr uint32) *StatusReg {
	return &StatusReg{iface: iface, addr: addr}
}

// Read returns the current value of a field.
func (r *StatusReg) Read(f Field) (uint32, error) {
	v, err := r.iface.Peek32(r.addr)
	if err != nil {
		return 0, err
	}
	return f.Get(v), nil
}

// ReadAll returns the raw register value.
func (r *StatusReg) ReadAll() (uint32, error) {
	return r.iface.Peek32(r.addr)
}

// ClockCtrlAddr and ClockStatusAddr locate the clock registers.
var (
	ClockCtrlAddr   = SRAddr(SET0Base, SRClockCtrl)
	ClockStatusAddr = SRAddr(SET0Base, RBClkStatus)
)
