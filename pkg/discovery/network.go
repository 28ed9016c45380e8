package discovery

import (
	"context"
	"log/slog"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/fwcomms"
)

// findWithAddr probes hint's address, then re-probes every responder on
// its own address with its enriched fields as the filter so only devices
// that answer directly are returned.
func (f *Finder) findWithAddr(ctx context.Context, hint devaddr.Addr) []devaddr.Addr {
	replies, err := f.probe(ctx, hint)
	if err != nil {
		slog.Warn("discovery: network discovery failed", "addr", hint.Value(devaddr.KeyAddr), "err", err)
	}
	var found []devaddr.Addr
	for _, r := range replies {
		confirmed, err := f.probe(ctx, r)
		if err != nil {
			slog.Debug("discovery: confirmation probe failed", "addr", r.Value(devaddr.KeyAddr), "err", err)
			continue
		}
		found = append(found, confirmed...)
	}
	return found
}

// probe sends one discovery request to hint's address and returns every
// unclaimed responder that passes the hint filters.
func (f *Finder) probe(ctx context.Context, hint devaddr.Addr) ([]devaddr.Addr, error) {
	ips, err := fwcomms.Probe(ctx, hint.Value(devaddr.KeyAddr), f.cfg.FWPort, f.cfg.ProbeWindow)
	if err != nil && len(ips) == 0 {
		return nil, err
	}

	var out []devaddr.Addr
	for _, ip := range ips {
		a := devaddr.New(devaddr.KeyType, DeviceType, devaddr.KeyAddr, ip)

		e, claimed, eerr := f.enrichNetwork(ip)
		if claimed {
			slog.Debug("discovery: skipping claimed device", "addr", ip)
			continue
		}
		if e.fpga != "" {
			a.Set(devaddr.KeyFPGA, e.fpga)
		}
		if eerr != nil {
			slog.Debug("discovery: enrichment failed", "addr", ip, "err", eerr)
			e.name, e.serial = "", ""
		}
		a.Set(devaddr.KeyName, e.name)
		a.Set(devaddr.KeySerial, e.serial)
		if e.product != "" {
			a.Set(devaddr.KeyProduct, e.product)
		}

		if matches(hint, a) {
			out = append(out, a)
		}
	}
	return out, err
}

func (f *Finder) enrichNetwork(ip string) (enrichment, bool, error) {
	c, err := fwcomms.Dial(ip, fwcomms.Config{
		Port:    f.cfg.FWPort,
		Timeout: f.cfg.ControlTimeout,
		Retries: -1,
	})
	if err != nil {
		return enrichment{}, false, err
	}
	defer c.Close()
	return f.enrich(c, true)
}
