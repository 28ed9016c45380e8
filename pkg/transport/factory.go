package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/psaab/x3core/pkg/devaddr"
	"github.com/psaab/x3core/pkg/fwcomms"
	"github.com/psaab/x3core/pkg/mtu"
	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/regs"
	"github.com/psaab/x3core/pkg/router"
	"github.com/psaab/x3core/pkg/sid"
)

// PCIe frame geometry.
const (
	PCIeRXDataFrameSize = 8184
	PCIeTXDataFrameSize = 8192
	PCIeDataNumFrames   = 2048
	PCIeMsgFrameSize    = 256
	PCIeMsgNumFrames    = 64
)

// Ethernet frame geometry.
const (
	TenGigDataFrameSize = 8000
	OneGigDataFrameSize = 1472
	EthMsgFrameSize     = 256
	EthMsgNumFrames     = 64
	EthDataNumFrames    = 32
)

// Link rates in bytes per second.
const (
	MaxRatePCIe   = 800e6
	MaxRate10GigE = 1.25e9
	MaxRate1GigE  = 125e6
)

// EthIface tags which device Ethernet port a link address reaches.
type EthIface int

const (
	IfaceNone EthIface = iota
	IfaceETH0
	IfaceETH1
)

func (i EthIface) String() string {
	switch i {
	case IfaceETH0:
		return "eth0"
	case IfaceETH1:
		return "eth1"
	default:
		return "none"
	}
}

// Link is one Ethernet connection to a device.
type Link struct {
	Addr  string
	Iface EthIface
}

// DMAOpener opens DMA channels on a PCIe device. *nirpc.Client implements
// it.
type DMAOpener interface {
	OpenDMA(ctx context.Context, resource string, channel uint32) (*nirpc.DMAStream, error)
}

// PCIeConfig describes a PCIe-attached motherboard.
type PCIeConfig struct {
	Resource string
	// Kernel addresses the PCIe bridge registers (DMA router).
	Kernel regs.Iface
	DMA    DMAOpener
}

// EthConfig describes an Ethernet-attached motherboard.
type EthConfig struct {
	Links []Link
	// FrameSize is the probed (or user supplied) frame size per direction.
	FrameSize mtu.FrameSize
	// Image is the loaded FPGA image option (HG, XG, 1G, with optional S).
	Image string
	// VITAPort is the device data port; zero means fwcomms.VITAPort.
	VITAPort int
	// OffloadTimeout is the RX offload stage's inner timeout.
	OffloadTimeout time.Duration
}

// Factory builds streams for one motherboard. The router and channel pool
// are shared by every motherboard of a device. A Factory is not safe for
// concurrent use.
type Factory struct {
	router *router.Router
	pool   *router.ChannelPool
	zpu    regs.Iface

	pcie *PCIeConfig
	mux  *Mux

	eth     *EthConfig
	nextEth int

	mu       sync.Mutex
	linkRate float64
}

// NewPCIeFactory creates a factory for a PCIe link.
func NewPCIeFactory(r *router.Router, pool *router.ChannelPool, zpu regs.Iface, cfg PCIeConfig) *Factory {
	return &Factory{router: r, pool: pool, zpu: zpu, pcie: &cfg, linkRate: MaxRatePCIe}
}

// NewEthFactory creates a factory for Ethernet links.
func NewEthFactory(r *router.Router, zpu regs.Iface, cfg EthConfig) (*Factory, error) {
	if len(cfg.Links) == 0 {
		return nil, fmt.Errorf("no ethernet links")
	}
	if cfg.VITAPort == 0 {
		cfg.VITAPort = fwcomms.VITAPort
	}
	return &Factory{router: r, zpu: zpu, eth: &cfg}, nil
}

// LinkRate returns the aggregate link rate last published by Make.
func (f *Factory) LinkRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkRate
}

func (f *Factory) setLinkRate(r float64) {
	f.mu.Lock()
	f.linkRate = r
	f.mu.Unlock()
}

// Make builds the transport pair for a stream to address. Control streams
// ignore args.
func (f *Factory) Make(ctx context.Context, address sid.Address, kind Kind, args devaddr.Addr) (*Pair, error) {
	if kind == Control {
		args = devaddr.Addr{}
	}
	if f.pcie != nil {
		return f.makePCIe(ctx, address, kind, args)
	}
	return f.makeEth(address, kind, args)
}

// Close releases the shared control transport.
func (f *Factory) Close() error {
	if f.mux != nil {
		err := f.mux.Close()
		f.mux = nil
		return err
	}
	return nil
}

func (f *Factory) makePCIe(ctx context.Context, address sid.Address, kind Kind, args devaddr.Addr) (*Pair, error) {
	sendSID, err := f.router.AllocateSID(f.zpu, address, router.SrcAddr0, router.XbarPortPCI)
	if err != nil {
		return nil, err
	}
	recvSID := sendSID.Reversed()

	ch, err := f.pool.Allocate(sendSID, kind)
	if err != nil {
		return nil, err
	}

	var (
		xport  Transport
		params Params
	)
	if kind == Control {
		params = Params{
			SendFrameSize: PCIeMsgFrameSize,
			RecvFrameSize: PCIeMsgFrameSize,
			NumSendFrames: PCIeMsgNumFrames * MaxMuxedStreams,
			NumRecvFrames: PCIeMsgNumFrames * MaxMuxedStreams,
		}
		if f.mux == nil {
			stream, err := f.pcie.DMA.OpenDMA(ctx, f.pcie.Resource, ch)
			if err != nil {
				return nil, err
			}
			f.mux = NewMux(NewDMA(stream, ch, params), PCIeMsgNumFrames)
		}
		xport, err = f.mux.MakeStream(recvSID.Dst())
		if err != nil {
			return nil, err
		}
	} else {
		params = Params{
			SendFrameSize: PCIeMsgFrameSize,
			RecvFrameSize: PCIeMsgFrameSize,
			NumSendFrames: PCIeMsgNumFrames,
			NumRecvFrames: PCIeMsgNumFrames,
		}
		if kind == TXData {
			params.SendFrameSize = PCIeTXDataFrameSize
			params.NumSendFrames = PCIeDataNumFrames
		}
		if kind == RXData {
			params.RecvFrameSize = PCIeRXDataFrameSize
			params.NumRecvFrames = PCIeDataNumFrames
		}
		params = applyArgs(params, args)
		stream, err := f.pcie.DMA.OpenDMA(ctx, f.pcie.Resource, ch)
		if err != nil {
			return nil, err
		}
		xport = NewDMA(stream, ch, params)
	}

	word := uint32(recvSID.Dst())<<16 | ch
	if err := f.pcie.Kernel.Poke32(regs.PCIeRouterReg(0), word); err != nil {
		xport.Close()
		return nil, fmt.Errorf("program PCIe router: %w", err)
	}

	return &Pair{
		Send:         xport,
		Recv:         xport,
		SendSID:      sendSID,
		RecvSID:      recvSID,
		SendBuffSize: params.NumSendFrames * params.SendFrameSize,
		RecvBuffSize: params.NumRecvFrames * params.RecvFrameSize,
		Channel:      ch,
	}, nil
}

// recommendedFrameSize maps the image option and crossbar port to the
// frame size the link is built for, publishing the link rate.
func (f *Factory) recommendedFrameSize(srcDst uint8) (int, error) {
	image := f.eth.Image
	switch {
	case strings.HasPrefix(image, "HG"):
		if srcDst == router.XbarPortE0 {
			f.setLinkRate(MaxRate1GigE)
			return OneGigDataFrameSize, nil
		}
		f.setLinkRate(MaxRate10GigE)
		return TenGigDataFrameSize, nil
	case strings.HasPrefix(image, "XG"):
		f.setLinkRate(MaxRate10GigE * float64(len(f.eth.Links)))
		return TenGigDataFrameSize, nil
	case strings.HasPrefix(image, "1G"):
		f.setLinkRate(MaxRate1GigE * float64(len(f.eth.Links)))
		return OneGigDataFrameSize, nil
	}
	return 0, fmt.Errorf("unable to determine ethernet link type from image %q", image)
}

func (f *Factory) makeEth(address sid.Address, kind Kind, args devaddr.Addr) (*Pair, error) {
	slot := f.nextEth
	link := f.eth.Links[slot]
	srcAddr := uint8(router.SrcAddr0)
	if slot != 0 {
		srcAddr = router.SrcAddr1
	}
	srcDst := uint8(router.XbarPortE0)
	if link.Iface == IfaceETH1 {
		srcDst = router.XbarPortE1
	}
	f.nextEth = (f.nextEth + 1) % len(f.eth.Links)

	sendSID, err := f.router.AllocateSID(f.zpu, address, srcAddr, srcDst)
	if err != nil {
		return nil, err
	}
	recvSID := sendSID.Reversed()
	slog.Debug("transport: building ethernet stream", "sid", sendSID, "kind", kind, "link", link.Addr)

	rec, err := f.recommendedFrameSize(srcDst)
	if err != nil {
		return nil, err
	}
	fs := f.eth.FrameSize
	if fs.Send < rec {
		slog.Warn("transport: send frame size below recommendation, throughput will be reduced",
			"recommended", rec, "available", fs.Send)
	}
	if fs.Recv < rec {
		slog.Warn("transport: receive frame size below recommendation, throughput will be reduced",
			"recommended", rec, "available", fs.Recv)
	}

	params := Params{
		SendFrameSize: min(fs.Send, EthMsgFrameSize),
		RecvFrameSize: min(fs.Recv, EthMsgFrameSize),
		NumSendFrames: EthMsgNumFrames,
		NumRecvFrames: EthMsgNumFrames,
	}
	if kind == TXData {
		params.SendFrameSize = min(fs.Send, TenGigDataFrameSize)
		params.NumSendFrames = EthDataNumFrames
	}
	if kind == RXData {
		params.RecvFrameSize = min(fs.Recv, TenGigDataFrameSize)
		params.NumRecvFrames = EthDataNumFrames
	}
	params = applyArgs(params, args)

	udp, err := DialUDP(link.Addr, f.eth.VITAPort, params)
	if err != nil {
		return nil, err
	}
	recvBuf, sendBuf := udp.SocketBuffers()

	// The dispatcher learns the return path from the first datagram.
	prog := make([]byte, 8)
	binary.BigEndian.PutUint32(prog[4:8], uint32(sendSID))
	if err := udp.Send(prog); err != nil {
		udp.Close()
		return nil, fmt.Errorf("send programming packet: %w", err)
	}

	var xport Transport = udp
	if kind == RXData {
		xport = NewRecvOffload(udp, params.NumRecvFrames, f.eth.OffloadTimeout)
	}

	if err := f.programDispatcher(); err != nil {
		xport.Close()
		return nil, err
	}

	return &Pair{
		Send:         xport,
		Recv:         xport,
		SendSID:      sendSID,
		RecvSID:      recvSID,
		SendBuffSize: sendBuf,
		RecvBuffSize: recvBuf,
	}, nil
}

// programDispatcher points both Ethernet dispatchers at the data port and
// waits for the writes to land.
func (f *Factory) programDispatcher() error {
	for _, i := range []int{0, 1} {
		if err := f.zpu.Poke32(regs.EthUDPPortAddr(i), uint32(f.eth.VITAPort)); err != nil {
			return fmt.Errorf("program eth%d dispatcher port: %w", i, err)
		}
	}
	if _, err := f.zpu.Peek32(0); err != nil {
		return fmt.Errorf("dispatcher barrier: %w", err)
	}
	return nil
}
