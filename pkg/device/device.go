package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/sid"
	"github.com/psaab/x3core/pkg/transport"
)

// Device is an open device: one session per motherboard sharing a SID
// router, so stream IDs are unique across motherboards.
type Device struct {
	host     *Host
	router   *router.Router
	sessions []*Session
}

// Sessions returns the motherboard sessions in hint order.
func (d *Device) Sessions() []*Session { return d.sessions }

// session picks the motherboard behind a crossbar address. Motherboard i
// answers on router.DstAddr+i.
func (d *Device) session(address sid.Address) (*Session, error) {
	i := int(address.Addr) - router.DstAddr
	if i < 0 || i >= len(d.sessions) {
		return nil, fmt.Errorf("no motherboard at device address %d", address.Addr)
	}
	return d.sessions[i], nil
}

// MakeTransport builds the transports of one stream to address. It is not
// safe to call concurrently on the same Device.
func (d *Device) MakeTransport(ctx context.Context, address sid.Address, kind transport.Kind, args devaddr.Addr) (p *transport.Pair, err error) {
	ctx, span := startSpan(ctx, "device.MakeTransport",
		attribute.Int("addr", int(address.Addr)),
		attribute.Int("endpoint", int(address.Endpoint)),
		attribute.String("kind", kind.String()))
	defer func() {
		if p != nil {
			span.SetAttributes(attribute.String("send_sid", p.SendSID.String()))
		}
		endSpan(span, err)
	}()

	s, err := d.session(address)
	if err != nil {
		return nil, err
	}
	return s.factory.Make(ctx, address, kind, args)
}

// SyncTime loads t into every radio of every motherboard.
func (d *Device) SyncTime(t time.Duration) error {
	for _, s := range d.sessions {
		if err := s.SyncTime(t); err != nil {
			return fmt.Errorf("%s: %w", s.ID(), err)
		}
	}
	return nil
}

// Close closes every session.
func (d *Device) Close() error {
	d.host.forget(d)
	var errs []error
	for _, s := range d.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}
