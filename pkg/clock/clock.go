// Package clock drives the motherboard reference clock and time source
// selection. Changing the reference re-establishes three hardware locks in
// order (reference PLL, radio clock PLL, ADC IDELAYCTRL) before the new
// source is usable; changing the time source is a single register write.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/psaab/x3core/pkg/regs"
)

var (
	// ErrLockTimeout is returned when a clock lock bit never sets.
	ErrLockTimeout = errors.New("clock failed to lock")
	// ErrUnknownSource is returned for a source name outside Sources.
	ErrUnknownSource = errors.New("unknown source")
)

// Source is a reference clock or PPS source.
type Source string

const (
	Internal Source = "internal"
	External Source = "external"
	GPSDO    Source = "gpsdo"
)

// Sources lists the valid source names.
var Sources = []Source{Internal, External, GPSDO}

// ParseSource validates a source name.
func ParseSource(name string) (Source, error) {
	for _, s := range Sources {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

func (s Source) selectValue() uint32 {
	switch s {
	case External:
		return regs.SrcExternal
	case GPSDO:
		return regs.SrcGPSDO
	default:
		return regs.SrcInternal
	}
}

// RefClock is the external reference synthesizer (LMK).
type RefClock interface {
	// ResetClocks forces the synthesizer through a full re-lock cycle.
	ResetClocks() error
	SetRefOut(enable bool) error
}

// Radio is a front end sharing the motherboard clock.
type Radio interface {
	ResetCodec() error
	// SetTimeSync arms the radio to load t on the next TIME_SYNC strobe.
	SetTimeSync(t time.Duration) error
}

// Lock timeouts and poll interval.
const (
	DefaultRefLockTimeout      = 30 * time.Second
	DefaultBringupLockTimeout  = 1 * time.Second
	DefaultFPGALockTimeout     = 10 * time.Millisecond
	DefaultPollInterval        = 1 * time.Millisecond
	DefaultPPSDetectWindow     = 1500 * time.Millisecond
	ppsDetectSamples           = 15
	minHWRevForReferenceLockOK = 5
)

// Config tunes lock polling. Zero fields take defaults.
type Config struct {
	RefLockTimeout     time.Duration
	BringupLockTimeout time.Duration
	FPGALockTimeout    time.Duration
	PollInterval       time.Duration
	PPSDetectWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefLockTimeout <= 0 {
		c.RefLockTimeout = DefaultRefLockTimeout
	}
	if c.BringupLockTimeout <= 0 {
		c.BringupLockTimeout = DefaultBringupLockTimeout
	}
	if c.FPGALockTimeout <= 0 {
		c.FPGALockTimeout = DefaultFPGALockTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PPSDetectWindow <= 0 {
		c.PPSDetectWindow = DefaultPPSDetectWindow
	}
	return c
}

// Controller owns the clock control and status registers of one
// motherboard. Calls block the caller for the length of the lock waits and
// are serialized internally.
type Controller struct {
	zpu    regs.Iface
	ctrl   *regs.ShadowReg
	status *regs.StatusReg
	ref    RefClock
	hwRev  int
	cfg    Config

	mu       sync.Mutex
	radios   []Radio
	current  Source
	initDone bool
}

// initialCtrl selects internal reference and PPS with the TCXO and GPSDO
// powered.
func initialCtrl() uint32 {
	v := regs.ClkCtrlPPSSelect.Put(0, regs.SrcInternal)
	v = regs.ClkCtrlClkSource.Put(v, regs.SrcInternal)
	v = regs.ClkCtrlTCXOEn.Put(v, 1)
	return regs.ClkCtrlGPSDOPwrEn.Put(v, 1)
}

// New creates a controller. No source is current until the first
// SetClockSource, so the first call always runs the full sequence.
func New(zpu regs.Iface, ref RefClock, hwRev int, cfg Config) *Controller {
	return &Controller{
		zpu:    zpu,
		ctrl:   regs.NewShadowReg(zpu, regs.ClockCtrlAddr, initialCtrl()),
		status: regs.NewStatusReg(zpu, regs.ClockStatusAddr),
		ref:    ref,
		hwRev:  hwRev,
		cfg:    cfg.withDefaults(),
	}
}

// SetRadios replaces the radios reset and synced by the controller.
func (c *Controller) SetRadios(radios []Radio) {
	c.mu.Lock()
	c.radios = append([]Radio(nil), radios...)
	c.mu.Unlock()
}

// MarkInitialized switches the reference lock timeout from the bring-up
// value to the full value and makes reference lock failures fatal.
func (c *Controller) MarkInitialized() {
	c.mu.Lock()
	c.initDone = true
	c.mu.Unlock()
}

// Current returns the cached reference source, empty before the first
// SetClockSource.
func (c *Controller) Current() Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetClockSource switches the reference clock. Only internal to internal
// skips the reconfiguration writes; the read-only reference lock check
// runs on every call.
func (c *Controller) SetClockSource(name string) error {
	src, err := ParseSource(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reconfigure := c.current != Internal || src != Internal
	if reconfigure {
		c.ctrl.Set(regs.ClkCtrlClkSource, src.selectValue())
		tcxo := uint32(0)
		if src == Internal {
			tcxo = 1
		}
		c.ctrl.Set(regs.ClkCtrlTCXOEn, tcxo)
		if err := c.ctrl.Flush(); err != nil {
			return fmt.Errorf("select clock source %s: %w", src, err)
		}
		if err := c.ref.ResetClocks(); err != nil {
			return fmt.Errorf("reset reference clock: %w", err)
		}
	}

	if c.hwRev >= minHWRevForReferenceLockOK {
		timeout := c.cfg.BringupLockTimeout
		if c.initDone {
			timeout = c.cfg.RefLockTimeout
		}
		locked, err := c.waitLocked(regs.ClkStatusLMKLock, timeout)
		if err != nil {
			return err
		}
		if !locked {
			if c.initDone {
				return fmt.Errorf("reference clock PLL on %s source: %w", src, ErrLockTimeout)
			}
			slog.Debug("clock: reference clock not locked during bring-up", "source", src)
		}
	}

	if reconfigure {
		if err := c.pulseReset(regs.SwRstRadioClkPLL); err != nil {
			return fmt.Errorf("reset radio clock PLL: %w", err)
		}
		locked, err := c.waitLocked(regs.ClkStatusRadioClkLock, c.cfg.FPGALockTimeout)
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("radio clock PLL on %s source: %w", src, ErrLockTimeout)
		}

		if err := c.pulseReset(regs.SwRstADCIdelayCtrl); err != nil {
			return fmt.Errorf("reset ADC IDELAYCTRL: %w", err)
		}
		locked, err = c.waitLocked(regs.ClkStatusIdelayCtrlLock, c.cfg.FPGALockTimeout)
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("ADC calibration clock on %s source: %w", src, ErrLockTimeout)
		}

		for i, r := range c.radios {
			if err := r.ResetCodec(); err != nil {
				return fmt.Errorf("reset codec %d: %w", i, err)
			}
		}
	}

	c.current = src
	slog.Debug("clock: reference source set", "source", src, "reconfigured", reconfigure)
	return nil
}

// SetTimeSource selects the PPS source. PPS presence is not checked.
func (c *Controller) SetTimeSource(name string) error {
	src, err := ParseSource(name)
	if err != nil {
		return err
	}
	return c.ctrl.Write(regs.ClkCtrlPPSSelect, src.selectValue())
}

// SetTimeSourceOut enables or disables the PPS output.
func (c *Controller) SetTimeSourceOut(enable bool) error {
	return c.ctrl.Write(regs.ClkCtrlPPSOutEn, boolBit(enable))
}

// SetClockSourceOut enables or disables the reference clock output.
func (c *Controller) SetClockSourceOut(enable bool) error {
	return c.ref.SetRefOut(enable)
}

// SyncTimes loads t into every radio on the next PPS edge: each radio is
// armed, then TIME_SYNC is strobed 0, 1, 0.
func (c *Controller) SyncTimes(t time.Duration) error {
	c.mu.Lock()
	radios := c.radios
	c.mu.Unlock()

	for i, r := range radios {
		if err := r.SetTimeSync(t); err != nil {
			return fmt.Errorf("set time on radio %d: %w", i, err)
		}
	}
	for _, v := range []uint32{0, 1, 0} {
		if err := c.ctrl.Write(regs.ClkCtrlTimeSync, v); err != nil {
			return fmt.Errorf("time sync strobe: %w", err)
		}
	}
	return nil
}

// RefLocked reports whether the reference PLL, radio clock PLL and
// IDELAYCTRL are all locked, from a single status read.
func (c *Controller) RefLocked() (bool, error) {
	v, err := c.status.ReadAll()
	if err != nil {
		return false, err
	}
	return regs.ClkStatusLMKLock.Get(v) == 1 &&
		regs.ClkStatusRadioClkLock.Get(v) == 1 &&
		regs.ClkStatusIdelayCtrlLock.Get(v) == 1, nil
}

// PPSPresent watches the PPS detect bit, which toggles on every PPS edge,
// for PPSDetectWindow.
func (c *Controller) PPSPresent() (bool, error) {
	first, err := c.status.Read(regs.ClkStatusPPSDetect)
	if err != nil {
		return false, err
	}
	step := c.cfg.PPSDetectWindow / ppsDetectSamples
	for range ppsDetectSamples {
		time.Sleep(step)
		v, err := c.status.Read(regs.ClkStatusPPSDetect)
		if err != nil {
			return false, err
		}
		if v != first {
			return true, nil
		}
	}
	return false, nil
}

// WaitLocked polls a status bit until it reads 1 or timeout passes.
func (c *Controller) WaitLocked(f regs.Field, timeout time.Duration) (bool, error) {
	return c.waitLocked(f, timeout)
}

// waitLocked samples every PollInterval and always takes one last reading
// after the deadline.
func (c *Controller) waitLocked(f regs.Field, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, err := c.status.Read(f)
		if err != nil {
			return false, fmt.Errorf("read clock status: %w", err)
		}
		if v == 1 {
			return true, nil
		}
		time.Sleep(c.cfg.PollInterval)
	}
	v, err := c.status.Read(f)
	if err != nil {
		return false, fmt.Errorf("read clock status: %w", err)
	}
	return v == 1, nil
}

func (c *Controller) pulseReset(bits uint32) error {
	addr := regs.SRAddr(regs.SET0Base, regs.SRSwRst)
	if err := c.zpu.Poke32(addr, bits); err != nil {
		return err
	}
	return c.zpu.Poke32(addr, 0)
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
