package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psaab/x3core/pkg/claim"
	"github.com/psaab/x3core/pkg/clock"
	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/fwcomms"
	"github.com/psaab/x3core/pkg/mtu"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/product"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/transport"
)

// LinkKind is how the host reaches a motherboard.
type LinkKind int

const (
	LinkEthernet LinkKind = iota
	LinkPCIe
)

func (k LinkKind) String() string {
	if k == LinkPCIe {
		return "pcie"
	}
	return "eth"
}

// Hardware revision limits.
const (
	minHWRev           = 2
	maxHWRevCompat     = 7
	hwRevCompatFromRev = 7
)

// Session is one open motherboard.
type Session struct {
	host *Host
	hint devaddr.Addr
	kind LinkKind

	// PCIe
	resource string
	rio      *nirpc.Client
	proxy    *nirpc.KernelProxy

	// Ethernet
	ctrl      *fwcomms.Client
	links     []transport.Link
	frameSize mtu.FrameSize

	zpu      regs.Iface
	claimer  *claim.Claimer
	clock    *clock.Controller
	factory  *transport.Factory
	pool     *router.ChannelPool
	router   *router.Router
	recovery bool

	product     product.Board
	hwRev       int
	fpga        string
	hasDRAM     bool
	fwVersion   string
	fpgaVersion string
	numBlocks   uint32

	closeOnce sync.Once
	closeErr  error
}

func (h *Host) openSession(ctx context.Context, hint devaddr.Addr, rt *router.Router) (*Session, error) {
	s := &Session{
		host:     h,
		hint:     hint.Clone(),
		router:   rt,
		recovery: hint.Has(devaddr.KeyRecoverEEPROM),
	}
	if err := s.bringUp(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// bringUp runs the motherboard setup in hardware order. On error the
// caller tears down whatever was set up.
func (s *Session) bringUp(ctx context.Context) error {
	cfg := s.host.cfg
	switch {
	case s.hint.Has(devaddr.KeyResource):
		if err := s.connectPCIe(); err != nil {
			return err
		}
	case s.hint.Has(devaddr.KeyAddr):
		if err := s.connectEth(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: address needs %q or %q", ErrNotFound, devaddr.KeyAddr, devaddr.KeyResource)
	}

	claimed, err := s.host.arbiter.IsClaimed(s.zpu)
	if err != nil {
		return fmt.Errorf("check claim: %w", err)
	}
	if claimed {
		return claim.ErrClaimed
	}
	if err := s.checkCompat(); err != nil {
		return err
	}
	s.claimer = claim.NewClaimer(s.host.arbiter, s.zpu, cfg.ClaimInterval.D())
	s.claimer.Start(context.WithoutCancel(ctx))

	if s.fpga, err = regs.FPGAOption(s.zpu); err != nil {
		return fmt.Errorf("detect FPGA image: %w", err)
	}

	ee, err := s.host.collab.EEPROM.ReadEEPROM(s.zpu)
	if err != nil {
		return fmt.Errorf("read EEPROM: %w", err)
	}
	if err := s.checkProduct(ee); err != nil {
		return err
	}
	if s.kind == LinkEthernet {
		if err := s.discoverLinks(ee); err != nil {
			return err
		}
	}
	if err := s.checkHWRevision(ee); err != nil {
		return err
	}
	if s.kind == LinkEthernet {
		if err := s.negotiateFrameSize(ctx); err != nil {
			return err
		}
	}

	ref := clock.RefClock(noRefClock{})
	if s.host.collab.RefClock != nil {
		ref = s.host.collab.RefClock(s.zpu)
	}
	s.clock = clock.New(s.zpu, ref, s.hwRev, clock.Config{
		RefLockTimeout:     cfg.RefLockTimeout.D(),
		BringupLockTimeout: cfg.BringupLockTimeout.D(),
		FPGALockTimeout:    cfg.FPGALockTimeout.D(),
	})
	if err := s.clock.SetClockSource(string(clock.Internal)); err != nil {
		return fmt.Errorf("initial clock source: %w", err)
	}

	if err := router.ClearRoutes(s.zpu); err != nil {
		return err
	}
	if s.hasDRAM, err = regs.HasDRAMBuffer(s.zpu); err != nil {
		return fmt.Errorf("detect DRAM: %w", err)
	}

	if err := s.clock.SetTimeSource(string(clock.Internal)); err != nil {
		return err
	}
	if err := s.clock.SetTimeSourceOut(true); err != nil {
		return fmt.Errorf("enable PPS output: %w", err)
	}
	if err := s.clock.SetClockSourceOut(true); err != nil {
		return fmt.Errorf("enable reference output: %w", err)
	}

	if s.numBlocks, err = s.zpu.Peek32(regs.SRAddr(regs.SET0Base, regs.RBNumCE)); err != nil {
		return fmt.Errorf("read block count: %w", err)
	}
	if s.host.collab.Radios != nil {
		s.clock.SetRadios(s.host.collab.Radios(s.zpu, s.numBlocks))
	}
	s.clock.MarkInitialized()

	if err := s.buildFactory(); err != nil {
		return err
	}
	slog.Info("device: motherboard initialized", "id", s.ID(), "product", s.product.String(),
		"fpga", s.fpga, "rev", s.hwRev, "fw", s.fwVersion, "fpga_compat", s.fpgaVersion,
		"blocks", s.numBlocks)
	return nil
}

func (s *Session) connectPCIe() error {
	s.kind = LinkPCIe
	s.resource = strings.ToUpper(s.hint.Value(devaddr.KeyResource))
	port := s.hint.Value(devaddr.KeyRPCPort)
	if port == "" {
		port = s.host.cfg.RPCPort
	}
	rio, err := s.host.dialRio(port)
	if err != nil {
		return fmt.Errorf("connect to rio server: %w", err)
	}
	s.rio = rio
	s.proxy = rio.KernelProxy(s.resource, nirpc.SpaceZPU)
	if err := s.host.registry.Register(s.resource, s.proxy); err != nil {
		s.proxy = nil
		return fmt.Errorf("%s: %w", s.resource, err)
	}
	s.zpu = s.proxy
	s.pool = router.NewChannelPool()
	return nil
}

func (s *Session) connectEth() error {
	s.kind = LinkEthernet
	c, err := s.dialFW(s.hint.Value(devaddr.KeyAddr))
	if err != nil {
		return err
	}
	s.ctrl = c
	s.zpu = c
	return nil
}

func (s *Session) dialFW(addr string) (*fwcomms.Client, error) {
	return fwcomms.Dial(addr, fwcomms.Config{
		Port:    s.host.cfg.FWPort,
		Timeout: s.host.cfg.ControlTimeout.D(),
	})
}

// checkCompat reads the FPGA then the firmware compat numbers. Only a
// firmware major mismatch is fatal.
func (s *Session) checkCompat() error {
	v, err := s.zpu.Peek32(regs.SRAddr(regs.SET0Base, regs.RBCompatNum))
	if err != nil {
		return fmt.Errorf("read FPGA compat: %w", err)
	}
	major, minor := regs.CompatVersion(v)
	s.fpgaVersion = fmt.Sprintf("%d.%d", major, minor)
	if major != regs.FPGACompatMajor {
		slog.Warn("device: FPGA compat mismatch, update the FPGA image",
			"id", s.ID(), "have", s.fpgaVersion, "want_major", regs.FPGACompatMajor)
	}

	v, err = s.zpu.Peek32(regs.ShmemAddr(regs.ShmemCompatNum))
	if err != nil {
		return fmt.Errorf("read firmware compat: %w", err)
	}
	major, minor = regs.CompatVersion(v)
	s.fwVersion = fmt.Sprintf("%d.%d", major, minor)
	if major != regs.FWCompatMajor {
		return fmt.Errorf("%w: firmware %s, expected major %d",
			ErrCompatibility, s.fwVersion, regs.FWCompatMajor)
	}
	return nil
}

func (s *Session) checkProduct(ee map[string]string) error {
	s.product = product.FromEEPROM(ee["product"])
	if s.product != product.Unknown {
		return nil
	}
	if s.recovery {
		slog.Warn("device: unknown product in EEPROM, continuing in recovery mode", "id", s.ID())
		return nil
	}
	return fmt.Errorf("unrecognized product code %q in EEPROM", ee["product"])
}

// checkHWRevision validates the EEPROM revision and its compat number.
// Boards from revision 7 carry an explicit compat number; older boards are
// their own compat level.
func (s *Session) checkHWRevision(ee map[string]string) error {
	fail := func(format string, args ...any) error {
		err := fmt.Errorf("%w: %s", ErrHardwareRevision, fmt.Sprintf(format, args...))
		if s.recovery {
			slog.Warn("device: ignoring hardware revision check", "id", s.ID(), "err", err)
			return nil
		}
		return err
	}

	rev, err := strconv.Atoi(ee["revision"])
	if err != nil {
		return fail("revision missing or invalid: %q", ee["revision"])
	}
	s.hwRev = rev

	compat := rev
	if rev >= hwRevCompatFromRev {
		if compat, err = strconv.Atoi(ee["revision_compat"]); err != nil {
			return fail("revision %d without revision_compat", rev)
		}
	}
	if compat > maxHWRevCompat {
		return fail("revision compat %d is newer than this host supports (%d)", compat, maxHWRevCompat)
	}
	if rev < minHWRev {
		return fail("revision %d is older than %d", rev, minHWRev)
	}
	return nil
}

// negotiateFrameSize probes every link and keeps the smallest result. Hint
// frame sizes cap the search.
func (s *Session) negotiateFrameSize(ctx context.Context) error {
	limit := mtu.FrameSize{
		Recv: s.host.cfg.MaxFrameSize.Recv,
		Send: s.host.cfg.MaxFrameSize.Send,
	}
	if n, err := strconv.Atoi(s.hint.Value(devaddr.KeyRecvFrameSize)); err == nil && n > 0 {
		limit.Recv = min(limit.Recv, n)
	}
	if n, err := strconv.Atoi(s.hint.Value(devaddr.KeySendFrameSize)); err == nil && n > 0 {
		limit.Send = min(limit.Send, n)
	}

	fs := limit
	for _, l := range s.links {
		got, err := mtu.Probe(ctx, l.Addr, limit, mtu.Config{
			Port:         s.host.cfg.MTUPort,
			RoundTimeout: s.host.cfg.MTURoundTimeout.D(),
		})
		if err != nil {
			return fmt.Errorf("frame size discovery on %s: %w", l.Addr, err)
		}
		fs.Recv = min(fs.Recv, got.Recv)
		fs.Send = min(fs.Send, got.Send)
	}
	s.frameSize = fs
	return nil
}

func (s *Session) buildFactory() error {
	if s.kind == LinkPCIe {
		s.factory = transport.NewPCIeFactory(s.router, s.pool, s.zpu, transport.PCIeConfig{
			Resource: s.resource,
			Kernel:   s.rio.KernelProxy(s.resource, nirpc.SpaceKernel),
			DMA:      s.rio,
		})
		return nil
	}
	f, err := transport.NewEthFactory(s.router, s.zpu, transport.EthConfig{
		Links:          s.links,
		FrameSize:      s.frameSize,
		Image:          s.fpga,
		VITAPort:       s.host.cfg.VITAPort,
		OffloadTimeout: s.host.cfg.OffloadTimeout.D(),
	})
	if err != nil {
		return err
	}
	s.factory = f
	return nil
}

// ID is the resource for PCIe sessions and the primary address otherwise.
func (s *Session) ID() string {
	if s.kind == LinkPCIe {
		return s.resource
	}
	return s.hint.Value(devaddr.KeyAddr)
}

func (s *Session) Kind() LinkKind { return s.kind }
func (s *Session) Links() []transport.Link { return s.links }
func (s *Session) FrameSize() mtu.FrameSize { return s.frameSize }
func (s *Session) Product() product.Board { return s.product }
func (s *Session) HardwareRevision() int { return s.hwRev }
func (s *Session) FPGAImage() string { return s.fpga }
func (s *Session) HasDRAM() bool { return s.hasDRAM }
func (s *Session) NumBlocks() uint32 { return s.numBlocks }
func (s *Session) Clock() *clock.Controller { return s.clock }
func (s *Session) Factory() *transport.Factory { return s.factory }

// Versions returns the firmware and FPGA compat numbers as major.minor.
func (s *Session) Versions() (fw, fpga string) { return s.fwVersion, s.fpgaVersion }

// SetClockSource switches the reference clock. See clock.Controller.
func (s *Session) SetClockSource(name string) error {
	return s.clock.SetClockSource(name)
}

// SetTimeSource selects the PPS source.
func (s *Session) SetTimeSource(name string) error {
	return s.clock.SetTimeSource(name)
}

// SyncTime sets every radio of the motherboard to t on the next strobe.
func (s *Session) SyncTime(t time.Duration) error {
	return s.clock.SyncTimes(t)
}

// Close tears the session down: it stops the transports, clears the claim,
// drops the registry entry and closes the control connections. Safe to
// call on a partially opened session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.factory != nil {
			s.factory.Close()
		}
		if s.claimer != nil {
			if err := s.claimer.Release(); err != nil {
				slog.Warn("device: releasing claim failed", "id", s.ID(), "err", err)
				s.closeErr = err
			}
		}
		if s.proxy != nil {
			s.host.registry.Remove(s.resource)
		}
		if s.ctrl != nil {
			s.ctrl.Close()
		}
		if s.rio != nil {
			s.rio.Close()
		}
	})
	return s.closeErr
}
