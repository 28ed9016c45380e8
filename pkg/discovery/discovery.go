// Package discovery finds motherboards on the local networks and the PCIe
// bus and describes each as a device address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/x3core/pkg/claim"
	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/fwcomms"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/product"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/registry"
)

// DeviceType is the value of the "type" key this package answers to.
const DeviceType = "x300"

// DefaultPCIeFPGA is reported for PCIe devices whose image cannot be read,
// typically because another bitfile is loaded.
const DefaultPCIeFPGA = "HGS"

// ErrUnresolved is returned when a multi-device hint has a sub-hint that
// does not match exactly one device.
var ErrUnresolved = errors.New("could not resolve device hint to a single device")

// EEPROMReader reads the motherboard EEPROM as key/value pairs.
type EEPROMReader interface {
	ReadEEPROM(iface regs.Iface) (map[string]string, error)
}

// LinkLister enumerates host interfaces and their addresses.
// *netlink.Handle implements it.
type LinkLister interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// RioDialer connects to the Rio server on a local port.
type RioDialer func(port string) (*nirpc.Client, error)

// Config parameterizes a Finder. Zero fields take defaults.
type Config struct {
	// FWPort is the firmware comms port probed and used for enrichment.
	FWPort int
	// ProbeWindow ends reply collection once it passes without a reply.
	ProbeWindow time.Duration
	// ControlTimeout bounds each register access of an enrichment session.
	ControlTimeout time.Duration
	// DialRio connects to the PCIe Rio server; nil uses nirpc.Dial.
	DialRio RioDialer
	// Links enumerates interfaces for broadcast discovery; nil uses the
	// default netlink handle.
	Links LinkLister
}

// Finder locates devices. It consults the session registry so devices
// already open in this process are read through their live interface, and
// the claim arbiter so devices owned by other processes are skipped.
type Finder struct {
	cfg      Config
	registry *registry.Registry[nirpc.KernelProxy]
	arbiter  *claim.Arbiter
	eeprom   EEPROMReader
}

// New creates a Finder.
func New(reg *registry.Registry[nirpc.KernelProxy], arb *claim.Arbiter, eeprom EEPROMReader, cfg Config) *Finder {
	if cfg.FWPort == 0 {
		cfg.FWPort = fwcomms.Port
	}
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = fwcomms.DefaultProbeWindow
	}
	if cfg.DialRio == nil {
		cfg.DialRio = func(port string) (*nirpc.Client, error) { return nirpc.Dial(port) }
	}
	if cfg.Links == nil {
		cfg.Links = &netlink.Handle{}
	}
	return &Finder{cfg: cfg, registry: reg, arbiter: arb, eeprom: eeprom}
}

// Find returns the devices matching hint. A multi-device hint resolves to
// a single combined address, or nothing if no sub-hint matched. Network
// errors degrade to fewer results; a PCIe enumeration error is returned
// only when hint names a resource.
func (f *Finder) Find(ctx context.Context, hint devaddr.Addr) ([]devaddr.Addr, error) {
	hints := devaddr.Separate(hint)
	if len(hints) > 1 {
		return f.findMulti(ctx, hints)
	}
	h := hints[0]
	if t, ok := h.Get(devaddr.KeyType); ok && t != DeviceType {
		return nil, nil
	}

	if h.Has(devaddr.KeyAddr) {
		return f.findWithAddr(ctx, h), nil
	}

	var found []devaddr.Addr
	if !h.Has(devaddr.KeyResource) {
		bcasts, err := f.broadcastAddrs()
		if err != nil {
			slog.Warn("discovery: listing interfaces failed", "err", err)
		}
		for _, bcast := range bcasts {
			sub := h.Clone()
			sub.Set(devaddr.KeyAddr, bcast)
			found = append(found, f.findWithAddr(ctx, sub)...)
		}
	}

	pcie, err := f.findPCIe(ctx, h, h.Has(devaddr.KeyResource))
	if err != nil {
		return nil, err
	}
	return append(found, pcie...), nil
}

func (f *Finder) findMulti(ctx context.Context, hints []devaddr.Addr) ([]devaddr.Addr, error) {
	var (
		found      []devaddr.Addr
		unresolved []string
	)
	for _, h := range hints {
		res, err := f.Find(ctx, h)
		if err != nil {
			return nil, err
		}
		if len(res) != 1 {
			unresolved = append(unresolved, fmt.Sprintf("%q", h.String()))
			continue
		}
		found = append(found, res[0])
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(unresolved, ", "))
	}
	return []devaddr.Addr{devaddr.Combine(found)}, nil
}

// broadcastAddrs returns the IPv4 broadcast address of every interface
// except loopback.
func (f *Finder) broadcastAddrs() ([]string, error) {
	links, err := f.cfg.Links.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var out []string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := f.cfg.Links.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			slog.Debug("discovery: listing addresses failed", "link", attrs.Name, "err", err)
			continue
		}
		for _, a := range addrs {
			if a.IPNet == nil || a.IP.IsLoopback() {
				continue
			}
			bcast := a.Broadcast
			if bcast == nil {
				bcast = directedBroadcast(a.IPNet)
			}
			if bcast != nil {
				out = append(out, bcast.String())
			}
		}
	}
	return out, nil
}

func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip {
		out[i] = ip[i] | ^n.Mask[i]
	}
	return out
}

// matches applies the optional name, serial and product filters of hint.
func matches(hint, a devaddr.Addr) bool {
	for _, k := range []string{devaddr.KeyName, devaddr.KeySerial, devaddr.KeyProduct} {
		if want, ok := hint.Get(k); ok && want != a.Value(k) {
			return false
		}
	}
	return true
}

// enrichment holds the identifying fields read from a device. Fields that
// could not be read are empty.
type enrichment struct {
	fpga    string
	name    string
	serial  string
	product string
}

// enrich reads the identifying fields through iface. It reports claimed
// devices without reading further; on error the fields read so far are
// returned.
func (f *Finder) enrich(iface regs.Iface, detectFPGA bool) (enrichment, bool, error) {
	var e enrichment
	claimed, err := f.arbiter.IsClaimed(iface)
	if err != nil {
		return e, false, err
	}
	if claimed {
		return e, true, nil
	}
	if detectFPGA {
		if e.fpga, err = regs.FPGAOption(iface); err != nil {
			return e, false, err
		}
	}
	ee, err := f.eeprom.ReadEEPROM(iface)
	if err != nil {
		return e, false, fmt.Errorf("read EEPROM: %w", err)
	}
	e.name = ee["name"]
	e.serial = ee["serial"]
	e.product = product.FromEEPROM(ee["product"]).String()
	return e, false, nil
}
