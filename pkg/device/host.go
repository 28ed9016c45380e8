// Package device opens motherboard sessions: it claims the board, checks
// compatibility, negotiates Ethernet frame sizes, brings the clocks up and
// hands out stream transports.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psaab/x3core/pkg/claim"
	"github.com/psaab/x3core/pkg/clock"
	"github.com/psaab/x3core/pkg/config"
	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/discovery"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/registry"
	"github.com/psaab/x3core/pkg/router"
)

var (
	// ErrNotFound is returned by Open when the hint matches no device.
	ErrNotFound = errors.New("no matching device found")
	// ErrCompatibility is returned when the firmware is not the major
	// version this host speaks.
	ErrCompatibility = errors.New("incompatible firmware")
	// ErrHardwareRevision is returned for boards outside the supported
	// revision range or with no revision in EEPROM.
	ErrHardwareRevision = errors.New("unsupported hardware revision")
	// ErrNoLinks is returned when none of the given addresses reach a
	// device Ethernet port.
	ErrNoLinks = errors.New("no valid Ethernet interfaces")
)

// Collaborators are the board drivers outside this module. EEPROM is
// required; the rest may be nil.
type Collaborators struct {
	EEPROM discovery.EEPROMReader
	// RefClock returns the reference clock chip driver of a motherboard.
	RefClock func(zpu regs.Iface) clock.RefClock
	// Radios returns the radio blocks of a motherboard. numBlocks is the
	// computation engine count the FPGA reports.
	Radios func(zpu regs.Iface, numBlocks uint32) []clock.Radio
}

// Options configure a Host. Zero fields take defaults.
type Options struct {
	Driver        config.Driver
	Collaborators Collaborators
	// Arbiter owns the claim identity; nil creates one.
	Arbiter *claim.Arbiter
	DialRio discovery.RioDialer
	Links   discovery.LinkLister
}

// Host is the process context: the registry of PCIe control interfaces,
// the claim arbiter and every open session.
type Host struct {
	cfg      config.Driver
	collab   Collaborators
	arbiter  *claim.Arbiter
	registry *registry.Registry[nirpc.KernelProxy]
	finder   *discovery.Finder
	dialRio  discovery.RioDialer

	mu      sync.Mutex
	devices map[*Device]struct{}
}

// NewHost creates a host context.
func NewHost(opts Options) *Host {
	if opts.Driver == (config.Driver{}) {
		opts.Driver = config.Default()
	}
	if opts.Arbiter == nil {
		opts.Arbiter = claim.NewArbiter()
	}
	if opts.Collaborators.EEPROM == nil {
		opts.Collaborators.EEPROM = noEEPROM{}
	}
	if opts.DialRio == nil {
		opts.DialRio = func(port string) (*nirpc.Client, error) { return nirpc.Dial(port) }
	}
	cfg := opts.Driver
	reg := registry.New[nirpc.KernelProxy]()
	h := &Host{
		cfg:      cfg,
		collab:   opts.Collaborators,
		arbiter:  opts.Arbiter,
		registry: reg,
		dialRio:  opts.DialRio,
		devices:  make(map[*Device]struct{}),
	}
	h.finder = discovery.New(reg, opts.Arbiter, opts.Collaborators.EEPROM, discovery.Config{
		FWPort:         cfg.FWPort,
		ProbeWindow:    cfg.ProbeWindow.D(),
		ControlTimeout: cfg.ControlTimeout.D(),
		DialRio:        opts.DialRio,
		Links:          opts.Links,
	})
	return h
}

// Arbiter returns the claim arbiter.
func (h *Host) Arbiter() *claim.Arbiter { return h.arbiter }

// Find discovers devices matching hint.
func (h *Host) Find(ctx context.Context, hint devaddr.Addr) (found []devaddr.Addr, err error) {
	ctx, span := startSpan(ctx, "device.Find", attribute.String("hint", hint.String()))
	defer func() {
		span.SetAttributes(attribute.Int("found", len(found)))
		endSpan(span, err)
	}()
	return h.finder.Find(ctx, hint)
}

// Open brings up every motherboard hint names. A multi-device hint opens
// one session per sub-hint; sub-hints without an address or resource are
// resolved through Find. Any failure closes what was opened.
func (h *Host) Open(ctx context.Context, hint devaddr.Addr) (d *Device, err error) {
	ctx, span := startSpan(ctx, "device.Open", attribute.String("hint", hint.String()))
	defer func() { endSpan(span, err) }()

	d = &Device{host: h, router: router.New()}
	for i, sub := range devaddr.Separate(hint) {
		sub, err := h.resolve(ctx, sub)
		if err != nil {
			d.Close()
			return nil, err
		}
		s, err := h.openSession(ctx, sub, d.router)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("motherboard %d: %w", i, err)
		}
		d.sessions = append(d.sessions, s)
	}

	h.mu.Lock()
	h.devices[d] = struct{}{}
	h.mu.Unlock()
	slog.Info("device: opened", "hint", hint.String(), "motherboards", len(d.sessions))
	return d, nil
}

func (h *Host) resolve(ctx context.Context, hint devaddr.Addr) (devaddr.Addr, error) {
	if t, ok := hint.Get(devaddr.KeyType); ok && t != discovery.DeviceType {
		return devaddr.Addr{}, fmt.Errorf("%w: type %q", ErrNotFound, t)
	}
	if hint.Has(devaddr.KeyAddr) || hint.Has(devaddr.KeyResource) {
		return hint, nil
	}
	found, err := h.finder.Find(ctx, hint)
	if err != nil {
		return devaddr.Addr{}, err
	}
	if len(found) == 0 {
		return devaddr.Addr{}, fmt.Errorf("%w: %s", ErrNotFound, hint)
	}
	if len(found) > 1 {
		slog.Info("device: hint matches several devices, using the first",
			"hint", hint.String(), "found", len(found))
	}
	// Keep the caller's extra keys (frame sizes, recovery) on top of the
	// discovered address.
	out := found[0].Clone()
	for _, k := range hint.Keys() {
		if !out.Has(k) {
			out.Set(k, hint.Value(k))
		}
	}
	return out, nil
}

func (h *Host) forget(d *Device) {
	h.mu.Lock()
	delete(h.devices, d)
	h.mu.Unlock()
}

// Snapshots returns the state of every open session.
func (h *Host) Snapshots() []Snapshot {
	h.mu.Lock()
	devs := make([]*Device, 0, len(h.devices))
	for d := range h.devices {
		devs = append(devs, d)
	}
	h.mu.Unlock()

	var out []Snapshot
	for _, d := range devs {
		for _, s := range d.Sessions() {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

type noEEPROM struct{}

func (noEEPROM) ReadEEPROM(regs.Iface) (map[string]string, error) {
	return nil, errors.New("no EEPROM reader configured")
}

type noRefClock struct{}

func (noRefClock) ResetClocks() error   { return nil }
func (noRefClock) SetRefOut(bool) error { return nil }
