package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/psaab/x3core/pkg/claim"
	"github.com/psaab/x3core/pkg/clock"
	"github.com/psaab/x3core/pkg/config"
	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/devsim"
	"github.com/psaab/x3core/pkg/mtu"
	"github.com/psaab/x3core/pkg/product"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/registry"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/sid"
	"github.com/psaab/x3core/pkg/transport"
)

const testIdentity = 0x1d

type noLinks struct{}

func (noLinks) LinkList() ([]netlink.Link, error) { return nil, nil }

func (noLinks) AddrList(netlink.Link, int) ([]netlink.Addr, error) { return nil, nil }

type fakeRef struct {
	resets int
	refOut bool
}

func (r *fakeRef) ResetClocks() error { r.resets++; return nil }

func (r *fakeRef) SetRefOut(enable bool) error { r.refOut = enable; return nil }

type fakeRadio struct {
	synced []time.Duration
	codecs int
}

func (r *fakeRadio) ResetCodec() error { r.codecs++; return nil }

func (r *fakeRadio) SetTimeSync(t time.Duration) error {
	r.synced = append(r.synced, t)
	return nil
}

type fixture struct {
	sim   *devsim.Sim
	ref   *fakeRef
	radio *fakeRadio
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := devsim.New()
	t.Cleanup(func() { sim.Close() })
	return &fixture{sim: sim, ref: &fakeRef{}, radio: &fakeRadio{}}
}

// host builds a Host against the simulator. Call it after the boards are
// added so the Ethernet service ports are known.
func (fx *fixture) host(t *testing.T) *Host {
	t.Helper()
	d := config.Default()
	if p := fx.sim.Ports(); p.FW != 0 {
		d.FWPort, d.MTUPort, d.VITAPort = p.FW, p.MTU, p.VITA
	}
	d.ProbeWindow = config.Duration(30 * time.Millisecond)
	d.ControlTimeout = config.Duration(200 * time.Millisecond)
	d.ClaimInterval = config.Duration(20 * time.Millisecond)
	d.BringupLockTimeout = config.Duration(50 * time.Millisecond)
	d.RefLockTimeout = config.Duration(50 * time.Millisecond)

	return NewHost(Options{
		Driver:  d,
		Arbiter: claim.NewArbiterWithIdentity(testIdentity),
		DialRio: fx.sim.DialRio,
		Links:   noLinks{},
		Collaborators: Collaborators{
			EEPROM:   fx.sim,
			RefClock: func(regs.Iface) clock.RefClock { return fx.ref },
			Radios: func(_ regs.Iface, n uint32) []clock.Radio {
				if n == 0 {
					return nil
				}
				return []clock.Radio{fx.radio}
			},
		},
	})
}

func (fx *fixture) addEth(t *testing.T, ip string, b *devsim.Board, opts devsim.EthOptions) {
	t.Helper()
	if opts.PathMTU == 0 {
		opts.PathMTU = 1500
	}
	require.NoError(t, fx.sim.AddEthernet(ip, b, opts))
}

func goodEEPROM(ip string) map[string]string {
	return map[string]string{
		"product":  "30410",
		"revision": "5",
		"serial":   "S1",
		"name":     "bench",
		"ip-addr0": ip,
	}
}

func open(t *testing.T, h *Host, hint string) (*Device, error) {
	t.Helper()
	a, err := devaddr.Parse(hint)
	require.NoError(t, err)
	return h.Open(context.Background(), a)
}

func TestOpenEthernet(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{NumCE: 3, EEPROM: goodEEPROM("127.0.0.1")})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	d, err := open(t, h, "addr=127.0.0.1")
	require.NoError(t, err)
	require.Len(t, d.Sessions(), 1)
	s := d.Sessions()[0]

	require.Equal(t, LinkEthernet, s.Kind())
	require.Equal(t, []transport.Link{{Addr: "127.0.0.1", Iface: transport.IfaceETH0}}, s.Links())
	require.Equal(t, mtu.FrameSize{Recv: 1500, Send: 1500}, s.FrameSize())
	require.Equal(t, product.X310, s.Product())
	require.Equal(t, 5, s.HardwareRevision())
	require.Equal(t, "HG", s.FPGAImage())
	require.True(t, s.HasDRAM())
	require.Equal(t, uint32(3), s.NumBlocks())
	fw, fpga := s.Versions()
	require.Equal(t, "5.0", fw)
	require.Equal(t, "18.0", fpga)

	require.True(t, b.Claimed())
	require.Equal(t, uint32(testIdentity), b.ClaimSource())
	require.Equal(t, clock.Internal, s.Clock().Current())
	require.True(t, fx.ref.refOut)
	require.GreaterOrEqual(t, fx.ref.resets, 1)
	require.Contains(t, b.Mem.WritesTo(regs.XBForwardAddr(0xff)), uint32(0), "crossbar not cleared")

	p, err := d.MakeTransport(context.Background(), sid.Address{Addr: router.DstAddr, Endpoint: 0x30}, transport.TXData, devaddr.Addr{})
	require.NoError(t, err)
	require.Equal(t, uint8(router.DstAddr), p.SendSID.DstAddr())
	require.NoError(t, p.Close())

	snaps := h.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, "127.0.0.1", snaps[0].ID)
	require.Equal(t, "X310", snaps[0].Product)
	require.Equal(t, "internal", snaps[0].ClockSource)
	require.True(t, snaps[0].RefLocked)
	require.Equal(t, float64(transport.MaxRate1GigE), snaps[0].LinkRate)
	require.Equal(t, 1, snaps[0].SIDs)

	require.NoError(t, d.Close())
	require.False(t, b.Claimed())
	require.Empty(t, h.Snapshots())
}

func TestOpenSecondAddr(t *testing.T) {
	fx := newFixture(t)
	ee := goodEEPROM("127.0.0.1")
	ee["ip-addr1"] = "127.0.0.2"
	b := devsim.NewBoard(devsim.BoardConfig{EEPROM: ee})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	fx.addEth(t, "127.0.0.2", b, devsim.EthOptions{PathMTU: 1200})
	h := fx.host(t)

	d, err := open(t, h, "addr=127.0.0.1,second-addr=127.0.0.2")
	require.NoError(t, err)
	defer d.Close()
	s := d.Sessions()[0]
	require.Equal(t, []transport.Link{
		{Addr: "127.0.0.1", Iface: transport.IfaceETH0},
		{Addr: "127.0.0.2", Iface: transport.IfaceETH1},
	}, s.Links())
	// The narrowest link wins.
	require.Equal(t, mtu.FrameSize{Recv: 1200, Send: 1200}, s.FrameSize())
}

func TestOpenFrameSizeHint(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.1")})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	d, err := open(t, h, "addr=127.0.0.1,recv-frame-size=1000,send-frame-size=1400")
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, mtu.FrameSize{Recv: 1000, Send: 1000}, d.Sessions()[0].FrameSize())
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name    string
		board   devsim.BoardConfig
		eeprom  func(ee map[string]string)
		eth     devsim.EthOptions
		wantErr error
	}{
		{
			name:    "firmware compat",
			board:   devsim.BoardConfig{FWCompat: regs.CompatNum(regs.FWCompatMajor-1, 0)},
			wantErr: ErrCompatibility,
		},
		{
			name:    "no matching port",
			eeprom:  func(ee map[string]string) { delete(ee, "ip-addr0") },
			wantErr: ErrNoLinks,
		},
		{
			name:    "revision missing",
			eeprom:  func(ee map[string]string) { delete(ee, "revision") },
			wantErr: ErrHardwareRevision,
		},
		{
			name:    "revision too old",
			eeprom:  func(ee map[string]string) { ee["revision"] = "1" },
			wantErr: ErrHardwareRevision,
		},
		{
			name:    "revision compat missing",
			eeprom:  func(ee map[string]string) { ee["revision"] = "7" },
			wantErr: ErrHardwareRevision,
		},
		{
			name: "revision too new",
			eeprom: func(ee map[string]string) {
				ee["revision"] = "9"
				ee["revision_compat"] = "8"
			},
			wantErr: ErrHardwareRevision,
		},
		{
			name:    "no MTU echo",
			eth:     devsim.EthOptions{NoEcho: true},
			wantErr: mtu.ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			ee := goodEEPROM("127.0.0.1")
			if tt.eeprom != nil {
				tt.eeprom(ee)
			}
			cfg := tt.board
			cfg.EEPROM = ee
			b := devsim.NewBoard(cfg)
			fx.addEth(t, "127.0.0.1", b, tt.eth)
			h := fx.host(t)

			_, err := open(t, h, "addr=127.0.0.1")
			require.ErrorIs(t, err, tt.wantErr)
			require.False(t, b.Claimed(), "claim left behind")
			require.Empty(t, h.Snapshots())
		})
	}
}

func TestOpenRecovery(t *testing.T) {
	fx := newFixture(t)
	ee := goodEEPROM("127.0.0.1")
	delete(ee, "revision")
	delete(ee, "product")
	b := devsim.NewBoard(devsim.BoardConfig{EEPROM: ee})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	_, err := open(t, h, "addr=127.0.0.1")
	require.ErrorContains(t, err, "unrecognized product")

	d, err := open(t, h, "addr=127.0.0.1,recover-mb-eeprom")
	require.NoError(t, err)
	require.Equal(t, product.Unknown, d.Sessions()[0].Product())
	require.NoError(t, d.Close())
}

func TestOpenFPGACompatWarns(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{
		FPGACompat: regs.CompatNum(regs.FPGACompatMajor-1, 3),
		EEPROM:     goodEEPROM("127.0.0.1"),
	})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	d, err := open(t, h, "addr=127.0.0.1")
	require.NoError(t, err)
	defer d.Close()
	_, fpga := d.Sessions()[0].Versions()
	require.Equal(t, "17.3", fpga)
}

func TestOpenClaimedElsewhere(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.1")})
	b.ClaimAs(0xabcd)
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	_, err := open(t, h, "addr=127.0.0.1")
	require.ErrorIs(t, err, claim.ErrClaimed)
	require.Equal(t, uint32(0xabcd), b.ClaimSource(), "foreign claim overwritten")
}

func TestOpenNotFound(t *testing.T) {
	fx := newFixture(t)
	h := fx.host(t)

	_, err := open(t, h, "type=b200")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = open(t, h, "serial=S1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClockControl(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{NumCE: 2, EEPROM: goodEEPROM("127.0.0.1")})
	fx.addEth(t, "127.0.0.1", b, devsim.EthOptions{})
	h := fx.host(t)

	d, err := open(t, h, "addr=127.0.0.1")
	require.NoError(t, err)
	defer d.Close()
	s := d.Sessions()[0]

	require.NoError(t, s.SetClockSource("external"))
	require.Equal(t, clock.External, s.Clock().Current())
	require.Equal(t, uint32(regs.SrcExternal),
		regs.ClkCtrlClkSource.Get(b.Mem.Word(regs.ClockCtrlAddr)))
	require.ErrorIs(t, s.SetClockSource("rubidium"), clock.ErrUnknownSource)

	require.NoError(t, s.SetTimeSource("gpsdo"))
	require.Equal(t, uint32(regs.SrcGPSDO),
		regs.ClkCtrlPPSSelect.Get(b.Mem.Word(regs.ClockCtrlAddr)))

	require.NoError(t, d.SyncTime(3*time.Second))
	require.Equal(t, []time.Duration{3 * time.Second}, fx.radio.synced)
}

func TestOpenPCIe(t *testing.T) {
	fx := newFixture(t)
	b := devsim.NewBoard(devsim.BoardConfig{Image: "XG", EEPROM: goodEEPROM("")})
	fx.sim.AddPCIe("RIO0", product.X310SSIDADC33, b)
	h := fx.host(t)

	d, err := open(t, h, "resource=rio0")
	require.NoError(t, err)
	s := d.Sessions()[0]
	require.Equal(t, LinkPCIe, s.Kind())
	require.Equal(t, "RIO0", s.ID())
	require.True(t, b.Claimed())
	_, ok := h.registry.Lookup("RIO0")
	require.True(t, ok, "control interface not registered")

	ctx := context.Background()
	var chans []uint32
	for i, kind := range []transport.Kind{transport.Control, transport.TXData, transport.RXData} {
		p, err := d.MakeTransport(ctx, sid.Address{Addr: router.DstAddr, Endpoint: uint8(0x30 + i)}, kind, devaddr.Addr{})
		require.NoError(t, err)
		defer p.Close()
		chans = append(chans, p.Channel)
	}
	require.Equal(t, []uint32{0, 1, 2}, chans)
	require.Len(t, fx.sim.DMAChannels("RIO0"), 3)
	require.Equal(t, 2, h.Snapshots()[0].DMAChannels)

	// Discovery reads an open device through the registered interface
	// and does not treat this process's claim as foreign.
	found, err := h.Find(ctx, devaddr.New(devaddr.KeyResource, "RIO0"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "bench", found[0].Value(devaddr.KeyName))

	_, err = open(t, h, "resource=RIO0")
	require.ErrorIs(t, err, registry.ErrInUse)

	require.NoError(t, d.Close())
	require.False(t, b.Claimed())
	_, ok = h.registry.Lookup("RIO0")
	require.False(t, ok, "registry entry left behind")
}

func TestOpenMultiMotherboard(t *testing.T) {
	fx := newFixture(t)
	b0 := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.1")})
	b1 := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.2")})
	fx.addEth(t, "127.0.0.1", b0, devsim.EthOptions{})
	fx.addEth(t, "127.0.0.2", b1, devsim.EthOptions{})
	h := fx.host(t)

	d, err := open(t, h, "addr0=127.0.0.1,addr1=127.0.0.2")
	require.NoError(t, err)
	defer d.Close()
	require.Len(t, d.Sessions(), 2)

	ctx := context.Background()
	p0, err := d.MakeTransport(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x30}, transport.TXData, devaddr.Addr{})
	require.NoError(t, err)
	defer p0.Close()
	p1, err := d.MakeTransport(ctx, sid.Address{Addr: router.DstAddr + 1, Endpoint: 0x30}, transport.TXData, devaddr.Addr{})
	require.NoError(t, err)
	defer p1.Close()
	require.NotEqual(t, p0.SendSID.SrcEndpoint(), p1.SendSID.SrcEndpoint())
	require.Equal(t, uint8(router.DstAddr), p0.SendSID.DstAddr())
	require.Equal(t, uint8(router.DstAddr+1), p1.SendSID.DstAddr())

	local := regs.SRAddr(regs.SET0Base, regs.SRXBLocal)
	require.Equal(t, []uint32{router.DstAddr}, b0.Mem.WritesTo(local))
	require.Equal(t, []uint32{router.DstAddr + 1}, b1.Mem.WritesTo(local))

	_, err = d.MakeTransport(ctx, sid.Address{Addr: router.DstAddr + 2}, transport.TXData, devaddr.Addr{})
	require.Error(t, err)
}

func TestOpenMultiMotherboardPartialFailure(t *testing.T) {
	fx := newFixture(t)
	b0 := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.1")})
	b1 := devsim.NewBoard(devsim.BoardConfig{EEPROM: goodEEPROM("127.0.0.2")})
	b1.FailEEPROM(errors.New("i2c nak"))
	fx.addEth(t, "127.0.0.1", b0, devsim.EthOptions{})
	fx.addEth(t, "127.0.0.2", b1, devsim.EthOptions{})
	h := fx.host(t)

	_, err := open(t, h, "addr0=127.0.0.1,addr1=127.0.0.2")
	require.ErrorContains(t, err, "motherboard 1")
	require.False(t, b0.Claimed(), "first motherboard left claimed")
	require.False(t, b1.Claimed())
}
