package transport

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/devsim"
	"github.com/psaab/x3core/pkg/mtu"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/sid"
)

func newPCIe(t *testing.T) (*Factory, *devsim.Sim, *regs.Memory) {
	t.Helper()
	sim := devsim.New()
	t.Cleanup(func() { sim.Close() })
	board := devsim.NewBoard(devsim.BoardConfig{})
	kernel := sim.AddPCIe("RIO0", 0x76CA, board)
	c, err := sim.DialRio("")
	if err != nil {
		t.Fatalf("DialRio: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	f := NewPCIeFactory(router.New(), router.NewChannelPool(), board.Mem, PCIeConfig{
		Resource: "RIO0",
		Kernel:   c.KernelProxy("RIO0", nirpc.SpaceKernel),
		DMA:      c,
	})
	t.Cleanup(func() { f.Close() })
	return f, sim, kernel
}

func TestPCIeChannels(t *testing.T) {
	f, sim, kernel := newPCIe(t)
	ctx := context.Background()

	ctrl, err := f.Make(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x30}, Control, devaddr.Addr{})
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	defer ctrl.Close()
	tx, err := f.Make(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x31}, TXData, devaddr.Addr{})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	defer tx.Close()
	rx, err := f.Make(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x32}, RXData, devaddr.Addr{})
	if err != nil {
		t.Fatalf("rx: %v", err)
	}
	defer rx.Close()

	want := []uint32{0, 1, 2}
	got := []uint32{ctrl.Channel, tx.Channel, rx.Channel}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stream %d channel = %d, want %d", i, got[i], want[i])
		}
	}
	if ch := sim.DMAChannels("RIO0"); len(ch) != 3 {
		t.Errorf("opened channels = %v, want 3", ch)
	}

	if tx.SendBuffSize != PCIeTXDataFrameSize*PCIeDataNumFrames {
		t.Errorf("tx buffer = %d", tx.SendBuffSize)
	}
	if rx.RecvBuffSize != PCIeRXDataFrameSize*PCIeDataNumFrames {
		t.Errorf("rx buffer = %d", rx.RecvBuffSize)
	}
	if ctrl.SendBuffSize != PCIeMsgFrameSize*PCIeMsgNumFrames*MaxMuxedStreams {
		t.Errorf("control buffer = %d", ctrl.SendBuffSize)
	}

	writes := kernel.WritesTo(regs.PCIeRouterReg(0))
	if len(writes) != 3 {
		t.Fatalf("router writes = %d, want 3", len(writes))
	}
	if want := uint32(rx.RecvSID.Dst())<<16 | 2; writes[2] != want {
		t.Errorf("router word = %#x, want %#x", writes[2], want)
	}
	if f.LinkRate() != MaxRatePCIe {
		t.Errorf("link rate = %v", f.LinkRate())
	}
}

func TestPCIeControlLoopback(t *testing.T) {
	f, _, _ := newPCIe(t)
	ctx := context.Background()
	a, err := f.Make(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x30}, Control, devaddr.Addr{})
	if err != nil {
		t.Fatalf("control a: %v", err)
	}
	b, err := f.Make(ctx, sid.Address{Addr: router.DstAddr, Endpoint: 0x40}, Control, devaddr.Addr{})
	if err != nil {
		t.Fatalf("control b: %v", err)
	}
	if a.Channel != 0 || b.Channel != 0 {
		t.Fatalf("control channels = %d/%d, want 0/0", a.Channel, b.Channel)
	}

	// The simulated device answers with the SID reversed, so each reply
	// lands on the stream that sent it.
	frame := make([]byte, 16)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(b.SendSID))
	frame[8] = 0xbb
	if err := b.Send.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Recv.Recv(2 * time.Second)
	if err != nil || got[8] != 0xbb {
		t.Fatalf("Recv = % x, %v", got, err)
	}
	if _, err := a.Recv.Recv(20 * time.Millisecond); err != ErrTimeout {
		t.Errorf("stream a err = %v, want ErrTimeout", err)
	}
}

func newEth(t *testing.T, image string, links int) (*Factory, *devsim.Sim, *devsim.Board) {
	t.Helper()
	sim := devsim.New()
	t.Cleanup(func() { sim.Close() })
	board := devsim.NewBoard(devsim.BoardConfig{Image: image})
	if err := sim.AddEthernet("127.0.0.1", board, devsim.EthOptions{}); err != nil {
		t.Fatalf("AddEthernet: %v", err)
	}
	cfg := EthConfig{
		Links:     []Link{{Addr: "127.0.0.1", Iface: IfaceETH0}},
		FrameSize: mtu.FrameSize{Recv: 8000, Send: 8000},
		Image:     image,
		VITAPort:  sim.Ports().VITA,
	}
	if links == 2 {
		cfg.Links = append(cfg.Links, Link{Addr: "127.0.0.1", Iface: IfaceETH1})
	}
	f, err := NewEthFactory(router.New(), board.Mem, cfg)
	if err != nil {
		t.Fatalf("NewEthFactory: %v", err)
	}
	return f, sim, board
}

func TestEthRoundRobin(t *testing.T) {
	f, sim, board := newEth(t, "XG", 2)
	var pairs []*Pair
	for i := range 3 {
		p, err := f.Make(context.Background(), sid.Address{Addr: router.DstAddr, Endpoint: uint8(0x30 + i)}, TXData, devaddr.Addr{})
		if err != nil {
			t.Fatalf("Make %d: %v", i, err)
		}
		defer p.Close()
		pairs = append(pairs, p)
	}
	for i, wantSrc := range []uint8{router.SrcAddr0, router.SrcAddr1, router.SrcAddr0} {
		if got := pairs[i].SendSID.SrcAddr(); got != wantSrc {
			t.Errorf("stream %d src addr = %d, want %d", i, got, wantSrc)
		}
	}
	if f.LinkRate() != 2*MaxRate10GigE {
		t.Errorf("link rate = %v, want %v", f.LinkRate(), 2*MaxRate10GigE)
	}

	// Return routes follow the link's port.
	if got := board.Mem.Word(regs.XBReturnAddr(uint32(router.SrcAddr1))); got != router.XbarPortE1 {
		t.Errorf("return route for src 1 = %d, want E1", got)
	}
	if got := board.Mem.WritesTo(regs.EthUDPPortAddr(1)); len(got) != 3 || got[0] != uint32(sim.Ports().VITA) {
		t.Errorf("eth1 dispatcher writes = %v", got)
	}

	deadline := time.Now().Add(time.Second)
	for len(sim.Programmed("127.0.0.1")) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	prog := sim.Programmed("127.0.0.1")
	if len(prog) != 3 || prog[0] != uint32(pairs[0].SendSID) {
		t.Errorf("programmed = %x, want first %x", prog, uint32(pairs[0].SendSID))
	}
}

func TestEthFrameSizes(t *testing.T) {
	f, _, _ := newEth(t, "HG", 1)
	ctx := context.Background()
	addr := sid.Address{Addr: router.DstAddr, Endpoint: 0x30}

	tx, err := f.Make(ctx, addr, TXData, devaddr.Addr{})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	defer tx.Close()
	if tx.Send.SendFrameSize() != TenGigDataFrameSize || tx.Send.RecvFrameSize() != EthMsgFrameSize {
		t.Errorf("tx sizes = %d/%d", tx.Send.SendFrameSize(), tx.Send.RecvFrameSize())
	}
	// HG on eth0 is the 1 GigE port.
	if f.LinkRate() != MaxRate1GigE {
		t.Errorf("link rate = %v, want 1GigE", f.LinkRate())
	}

	args := devaddr.New(ArgRecvFrameSize, "2000")
	rx, err := f.Make(ctx, addr, RXData, args)
	if err != nil {
		t.Fatalf("rx: %v", err)
	}
	defer rx.Close()
	if rx.Recv.RecvFrameSize() != 2000 {
		t.Errorf("rx frame = %d, want 2000", rx.Recv.RecvFrameSize())
	}
	if _, ok := rx.Recv.(*RecvOffload); !ok {
		t.Errorf("rx transport is %T, want *RecvOffload", rx.Recv)
	}

	ctrl, err := f.Make(ctx, addr, Control, args)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	defer ctrl.Close()
	if ctrl.Recv.RecvFrameSize() != EthMsgFrameSize {
		t.Errorf("control ignores args: frame = %d", ctrl.Recv.RecvFrameSize())
	}
}

func TestEthUnknownImage(t *testing.T) {
	f, _, _ := newEth(t, "", 1)
	f.eth.Image = "ZZ"
	if _, err := f.Make(context.Background(), sid.Address{Addr: router.DstAddr, Endpoint: 0x30}, TXData, devaddr.Addr{}); err == nil {
		t.Fatal("unknown image accepted")
	}
}

func TestNewEthFactoryNeedsLinks(t *testing.T) {
	if _, err := NewEthFactory(router.New(), regs.NewMemory(), EthConfig{}); err == nil {
		t.Fatal("factory without links accepted")
	}
}
