package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/psaab/x3core/pkg/regs"
)

type fakeRef struct {
	resets int
	refOut bool
}

func (f *fakeRef) ResetClocks() error { f.resets++; return nil }

func (f *fakeRef) SetRefOut(enable bool) error { f.refOut = enable; return nil }

type fakeRadio struct {
	codecResets int
	syncedAt    time.Duration
}

func (r *fakeRadio) ResetCodec() error { r.codecResets++; return nil }

func (r *fakeRadio) SetTimeSync(t time.Duration) error { r.syncedAt = t; return nil }

func allLocked() uint32 {
	v := regs.ClkStatusLMKLock.Put(0, 1)
	v = regs.ClkStatusRadioClkLock.Put(v, 1)
	return regs.ClkStatusIdelayCtrlLock.Put(v, 1)
}

var fastConfig = Config{
	RefLockTimeout:     20 * time.Millisecond,
	BringupLockTimeout: 5 * time.Millisecond,
	FPGALockTimeout:    5 * time.Millisecond,
	PPSDetectWindow:    30 * time.Millisecond,
}

func newController(t *testing.T, status uint32, hwRev int) (*Controller, *regs.Memory, *fakeRef, *fakeRadio) {
	t.Helper()
	mem := regs.NewMemory()
	mem.SetReadback(regs.ClockStatusAddr, status)
	ref := &fakeRef{}
	radio := &fakeRadio{}
	c := New(mem, ref, hwRev, fastConfig)
	c.SetRadios([]Radio{radio})
	return c, mem, ref, radio
}

func swRstAddr() uint32 { return regs.SRAddr(regs.SET0Base, regs.SRSwRst) }

func TestFirstSetRunsFullSequence(t *testing.T) {
	c, mem, ref, radio := newController(t, allLocked(), 7)
	if err := c.SetClockSource("internal"); err != nil {
		t.Fatalf("SetClockSource: %v", err)
	}
	if ref.resets != 1 {
		t.Errorf("reference resets = %d, want 1", ref.resets)
	}
	if radio.codecResets != 1 {
		t.Errorf("codec resets = %d, want 1", radio.codecResets)
	}
	if c.Current() != Internal {
		t.Errorf("current = %q, want internal", c.Current())
	}
	ctrl := mem.Word(regs.ClockCtrlAddr)
	if regs.ClkCtrlTCXOEn.Get(ctrl) != 1 {
		t.Error("TCXO not enabled for internal source")
	}
}

func TestInternalToInternalWritesNothing(t *testing.T) {
	c, mem, ref, radio := newController(t, allLocked(), 7)
	if err := c.SetClockSource("internal"); err != nil {
		t.Fatalf("SetClockSource: %v", err)
	}
	mem.ResetWrites()
	ref.resets = 0
	radio.codecResets = 0

	if err := c.SetClockSource("internal"); err != nil {
		t.Fatalf("second SetClockSource: %v", err)
	}
	if w := mem.Writes(); len(w) != 0 {
		t.Errorf("writes = %v, want none", w)
	}
	if ref.resets != 0 || radio.codecResets != 0 {
		t.Errorf("resets = %d/%d, want 0/0", ref.resets, radio.codecResets)
	}
}

func TestInternalToExternalSequence(t *testing.T) {
	c, mem, ref, radio := newController(t, allLocked(), 7)
	if err := c.SetClockSource("internal"); err != nil {
		t.Fatalf("SetClockSource: %v", err)
	}
	mem.ResetWrites()

	if err := c.SetClockSource("external"); err != nil {
		t.Fatalf("SetClockSource(external): %v", err)
	}
	w := mem.Writes()
	if len(w) != 5 {
		t.Fatalf("writes = %v, want 5", w)
	}
	if w[0].Addr != regs.ClockCtrlAddr {
		t.Errorf("first write to %#x, want clock control", w[0].Addr)
	}
	if got := regs.ClkCtrlClkSource.Get(w[0].Data); got != regs.SrcExternal {
		t.Errorf("clock source = %d, want external", got)
	}
	if regs.ClkCtrlTCXOEn.Get(w[0].Data) != 0 {
		t.Error("TCXO left enabled for external source")
	}
	want := []uint32{regs.SwRstRadioClkPLL, 0, regs.SwRstADCIdelayCtrl, 0}
	for i, v := range want {
		if w[i+1].Addr != swRstAddr() || w[i+1].Data != v {
			t.Errorf("write %d = %v, want SwRst %#x", i+1, w[i+1], v)
		}
	}
	if ref.resets != 2 || radio.codecResets != 2 {
		t.Errorf("resets = %d/%d, want 2/2", ref.resets, radio.codecResets)
	}
	if c.Current() != External {
		t.Errorf("current = %q", c.Current())
	}
}

func TestExternalToExternalReconfigures(t *testing.T) {
	c, mem, _, _ := newController(t, allLocked(), 7)
	c.SetClockSource("external")
	mem.ResetWrites()
	if err := c.SetClockSource("external"); err != nil {
		t.Fatalf("SetClockSource: %v", err)
	}
	if n := len(mem.Writes()); n != 5 {
		t.Errorf("writes = %d, want 5", n)
	}
}

func TestUnknownSource(t *testing.T) {
	c, mem, _, _ := newController(t, allLocked(), 7)
	if err := c.SetClockSource("rubidium"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
	if err := c.SetTimeSource("sundial"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
	if n := len(mem.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestReferenceLockFailure(t *testing.T) {
	noLMK := regs.ClkStatusLMKLock.Put(allLocked(), 0)

	c, _, _, _ := newController(t, noLMK, 7)
	if err := c.SetClockSource("external"); err != nil {
		t.Fatalf("bring-up lock failure should be tolerated: %v", err)
	}

	c.MarkInitialized()
	if err := c.SetClockSource("gpsdo"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if c.Current() != External {
		t.Errorf("current = %q, want unchanged external", c.Current())
	}

	old, _, _, _ := newController(t, noLMK, 4)
	old.MarkInitialized()
	if err := old.SetClockSource("external"); err != nil {
		t.Fatalf("rev 4 should skip the reference lock check: %v", err)
	}
}

func TestFPGALockFailureIsFatal(t *testing.T) {
	noRadio := regs.ClkStatusRadioClkLock.Put(allLocked(), 0)
	c, _, _, _ := newController(t, noRadio, 7)
	if err := c.SetClockSource("internal"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}

	noIdelay := regs.ClkStatusIdelayCtrlLock.Put(allLocked(), 0)
	c, _, _, radio := newController(t, noIdelay, 7)
	if err := c.SetClockSource("internal"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if radio.codecResets != 0 {
		t.Errorf("codecs reset after failed lock")
	}
}

func TestWaitLockedFinalRead(t *testing.T) {
	mem := regs.NewMemory()
	var reads int
	mem.PeekHook = func(addr uint32) (uint32, bool) {
		if addr != regs.ClockStatusAddr {
			return 0, false
		}
		reads++
		return 0, true
	}
	c := New(mem, &fakeRef{}, 7, fastConfig)
	locked, err := c.WaitLocked(regs.ClkStatusLMKLock, 0)
	if err != nil || locked {
		t.Fatalf("WaitLocked = %v, %v", locked, err)
	}
	if reads != 1 {
		t.Errorf("reads = %d, want a single final read", reads)
	}
}

func TestSetTimeSource(t *testing.T) {
	c, mem, _, _ := newController(t, allLocked(), 7)
	if err := c.SetTimeSource("gpsdo"); err != nil {
		t.Fatalf("SetTimeSource: %v", err)
	}
	w := mem.WritesTo(regs.ClockCtrlAddr)
	if len(w) != 1 {
		t.Fatalf("writes = %v, want 1", w)
	}
	if got := regs.ClkCtrlPPSSelect.Get(w[0]); got != regs.SrcGPSDO {
		t.Errorf("PPS select = %d, want gpsdo", got)
	}
	if err := c.SetTimeSourceOut(true); err != nil {
		t.Fatalf("SetTimeSourceOut: %v", err)
	}
	if regs.ClkCtrlPPSOutEn.Get(mem.Word(regs.ClockCtrlAddr)) != 1 {
		t.Error("PPS output not enabled")
	}
}

func TestSyncTimes(t *testing.T) {
	c, mem, _, radio := newController(t, allLocked(), 7)
	if err := c.SyncTimes(3 * time.Second); err != nil {
		t.Fatalf("SyncTimes: %v", err)
	}
	if radio.syncedAt != 3*time.Second {
		t.Errorf("radio time = %v", radio.syncedAt)
	}
	w := mem.WritesTo(regs.ClockCtrlAddr)
	if len(w) != 3 {
		t.Fatalf("writes = %d, want 3", len(w))
	}
	for i, want := range []uint32{0, 1, 0} {
		if got := regs.ClkCtrlTimeSync.Get(w[i]); got != want {
			t.Errorf("strobe %d = %d, want %d", i, got, want)
		}
	}
}

func TestRefLockedAndPPS(t *testing.T) {
	c, mem, _, _ := newController(t, allLocked(), 7)
	locked, err := c.RefLocked()
	if err != nil || !locked {
		t.Fatalf("RefLocked = %v, %v", locked, err)
	}
	mem.SetReadback(regs.ClockStatusAddr, regs.ClkStatusRadioClkLock.Put(allLocked(), 0))
	if locked, _ := c.RefLocked(); locked {
		t.Error("RefLocked with radio PLL unlocked")
	}

	if present, _ := c.PPSPresent(); present {
		t.Error("PPS reported without toggling")
	}

	var n int
	mem.PeekHook = func(addr uint32) (uint32, bool) {
		if addr != regs.ClockStatusAddr {
			return 0, false
		}
		n++
		return regs.ClkStatusPPSDetect.Put(0, uint32(n/2)&1), true
	}
	if present, err := c.PPSPresent(); err != nil || !present {
		t.Errorf("PPSPresent = %v, %v", present, err)
	}
}
