package devsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psaab/x3core/pkg/nirpc"
	"github.com/psaab/x3core/pkg/regs"
)

type pcieNode struct {
	resource string
	ssid     uint32
	board    *Board
	kernel   *regs.Memory

	mu       sync.Mutex
	channels []uint32
}

// AddPCIe attaches b to the Rio server as resource with PCIe subsystem ID
// ssid. It returns the board's kernel register space.
func (s *Sim) AddPCIe(resource string, ssid uint32, b *Board) *regs.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &pcieNode{resource: resource, ssid: ssid, board: b, kernel: regs.NewMemory()}
	s.pcie[strings.ToUpper(resource)] = n
	return n.kernel
}

// FailEnumerate makes Enumerate fail with err; nil clears it.
func (s *Sim) FailEnumerate(err error) {
	s.mu.Lock()
	s.enumErr = err
	s.mu.Unlock()
}

// DMAChannels returns the channels opened on resource, in open order.
func (s *Sim) DMAChannels(resource string) []uint32 {
	n := s.pcieNode(resource)
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.channels)
}

func (s *Sim) pcieNode(resource string) *pcieNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcie[strings.ToUpper(resource)]
}

// DialRio connects a client to the simulated Rio server. The port is
// ignored; every client reaches the same in-memory server.
func (s *Sim) DialRio(string) (*nirpc.Client, error) {
	s.mu.Lock()
	if s.rio == nil {
		s.rio = startRio(s)
	}
	lis := s.rio.lis
	s.mu.Unlock()
	return nirpc.DialTarget("passthrough:///devsim",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
}

type rioServer struct {
	sim *Sim
	lis *bufconn.Listener
	srv *grpc.Server
}

func startRio(s *Sim) *rioServer {
	r := &rioServer{sim: s, lis: bufconn.Listen(1 << 20), srv: grpc.NewServer()}
	nirpc.RegisterRioServer(r.srv, r)
	go r.srv.Serve(r.lis)
	return r
}

func (r *rioServer) stop() { r.srv.Stop() }

func (r *rioServer) node(resource string) (*pcieNode, error) {
	n := r.sim.pcieNode(resource)
	if n == nil {
		return nil, status.Errorf(codes.NotFound, "no resource %q", resource)
	}
	return n, nil
}

func (r *rioServer) Enumerate(context.Context, *nirpc.EnumerateRequest) (*nirpc.EnumerateResponse, error) {
	r.sim.mu.Lock()
	defer r.sim.mu.Unlock()
	if r.sim.enumErr != nil {
		return nil, status.Error(codes.Unavailable, r.sim.enumErr.Error())
	}
	out := &nirpc.EnumerateResponse{}
	for _, n := range r.sim.pcie {
		out.Devices = append(out.Devices, nirpc.DeviceInfo{Resource: n.resource})
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].Resource < out.Devices[j].Resource })
	for i := range out.Devices {
		out.Devices[i].InterfacePath = fmt.Sprintf("/dev/niusrpriok%d", i)
	}
	return out, nil
}

func (r *rioServer) GetAttribute(_ context.Context, req *nirpc.AttributeRequest) (*nirpc.AttributeResponse, error) {
	n, err := r.node(req.Resource)
	if err != nil {
		return nil, err
	}
	if req.Name != nirpc.AttrProductNumber {
		return nil, status.Errorf(codes.InvalidArgument, "unknown attribute %q", req.Name)
	}
	return &nirpc.AttributeResponse{Value: n.ssid}, nil
}

func (r *rioServer) space(req string, space nirpc.Space) (regs.Iface, error) {
	n, err := r.node(req)
	if err != nil {
		return nil, err
	}
	if space == nirpc.SpaceKernel {
		return n.kernel, nil
	}
	return n.board.Mem, nil
}

func (r *rioServer) Peek32(_ context.Context, req *nirpc.PeekRequest) (*nirpc.PeekResponse, error) {
	mem, err := r.space(req.Resource, req.Space)
	if err != nil {
		return nil, err
	}
	v, err := mem.Peek32(req.Addr)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &nirpc.PeekResponse{Data: v}, nil
}

func (r *rioServer) Poke32(_ context.Context, req *nirpc.PokeRequest) (*nirpc.PokeResponse, error) {
	mem, err := r.space(req.Resource, req.Space)
	if err != nil {
		return nil, err
	}
	if err := mem.Poke32(req.Addr, req.Data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &nirpc.PokeResponse{}, nil
}

// DMA loops every frame back with its SID reversed, as the device answers
// a control or data stream.
func (r *rioServer) DMA(stream nirpc.DMAServerStream) error {
	open, err := stream.Recv()
	if err != nil {
		return err
	}
	n, err := r.node(open.Resource)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.channels = append(n.channels, open.Channel)
	n.mu.Unlock()

	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(&nirpc.DMAFrame{Data: reverseSID(f.Data)}); err != nil {
			return err
		}
	}
}
