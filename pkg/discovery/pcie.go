package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/product"
	"github.com/psaab/x3core/pkg/regs"
)

// findPCIe enumerates the Rio server. Failures to reach or enumerate it
// are returned only when explicit is set.
func (f *Finder) findPCIe(ctx context.Context, hint devaddr.Addr, explicit bool) ([]devaddr.Addr, error) {
	port := hint.Value(devaddr.KeyRPCPort)
	if port == "" {
		port = nirpc.DefaultPort
	}
	client, err := f.cfg.DialRio(port)
	if err != nil {
		if explicit {
			return nil, err
		}
		slog.Debug("discovery: rio server unavailable", "port", port, "err", err)
		return nil, nil
	}
	defer client.Close()

	devs, err := client.Enumerate(ctx)
	if err != nil {
		if explicit {
			return nil, fmt.Errorf("enumerate PCIe devices: %w", err)
		}
		slog.Debug("discovery: PCIe enumeration failed", "port", port, "err", err)
		return nil, nil
	}

	hintFPGA, fpgaHinted := hint.Get(devaddr.KeyFPGA)
	wantResource, resourceHinted := hint.Get(devaddr.KeyResource)

	var found []devaddr.Addr
	for _, dev := range devs {
		resource := strings.ToUpper(dev.Resource)
		ssid, err := client.ProductNumber(ctx, resource)
		if err != nil {
			slog.Debug("discovery: reading product number failed", "resource", resource, "err", err)
			continue
		}
		board := product.FromSSID(ssid)
		if board == product.Unknown {
			continue
		}
		a := devaddr.New(
			devaddr.KeyType, DeviceType,
			devaddr.KeyResource, dev.Resource,
			devaddr.KeyProduct, board.String(),
		)

		e, claimed, err := f.enrichPCIe(client, resource, !fpgaHinted)
		if claimed {
			slog.Debug("discovery: skipping claimed device", "resource", resource)
			continue
		}
		if err != nil {
			slog.Debug("discovery: enrichment failed", "resource", resource, "err", err)
			e.fpga = DefaultPCIeFPGA
			e.name, e.serial = "", ""
		}
		if fpgaHinted {
			e.fpga = hintFPGA
		}
		a.Set(devaddr.KeyFPGA, e.fpga)
		a.Set(devaddr.KeyName, e.name)
		a.Set(devaddr.KeySerial, e.serial)

		if resourceHinted && !strings.EqualFold(wantResource, resource) {
			continue
		}
		if matches(hint, a) {
			found = append(found, a)
		}
	}
	return found, nil
}

// enrichPCIe reads resource through the interface of a session already
// open in this process, or a short-lived kernel proxy. The registry stays
// locked for the duration so the session cannot close underneath.
func (f *Finder) enrichPCIe(client *nirpc.Client, resource string, detectFPGA bool) (enrichment, bool, error) {
	var (
		e       enrichment
		claimed bool
	)
	err := f.registry.With(resource, func(zpu *nirpc.KernelProxy) error {
		var iface regs.Iface = client.KernelProxy(resource, nirpc.SpaceZPU)
		if zpu != nil {
			iface = zpu
		}
		var err error
		e, claimed, err = f.enrich(iface, detectFPGA)
		return err
	})
	return e, claimed, err
}
