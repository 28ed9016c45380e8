package nirpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeRio struct {
	mu    sync.Mutex
	words map[Space]map[uint32]uint32
}

func (f *fakeRio) Enumerate(context.Context, *EnumerateRequest) (*EnumerateResponse, error) {
	return &EnumerateResponse{Devices: []DeviceInfo{{Resource: "RIO0", InterfacePath: "/dev/niusrpriok0"}}}, nil
}

func (f *fakeRio) GetAttribute(_ context.Context, req *AttributeRequest) (*AttributeResponse, error) {
	if req.Resource != "RIO0" {
		return nil, status.Error(codes.NotFound, "no such resource")
	}
	return &AttributeResponse{Value: 0x76CA}, nil
}

func (f *fakeRio) Peek32(_ context.Context, req *PeekRequest) (*PeekResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &PeekResponse{Data: f.words[req.Space][req.Addr]}, nil
}

func (f *fakeRio) Poke32(_ context.Context, req *PokeRequest) (*PokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.words[req.Space] == nil {
		f.words[req.Space] = make(map[uint32]uint32)
	}
	f.words[req.Space][req.Addr] = req.Data
	return &PokeResponse{}, nil
}

// DMA echoes every frame back with the channel number prepended.
func (f *fakeRio) DMA(stream DMAServerStream) error {
	open, err := stream.Recv()
	if err != nil {
		return err
	}
	for {
		fr, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		out := append([]byte{byte(open.Channel)}, fr.Data...)
		if err := stream.Send(&DMAFrame{Data: out}); err != nil {
			return err
		}
	}
}

func startRio(t *testing.T) (*Client, *fakeRio) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fake := &fakeRio{words: make(map[Space]map[uint32]uint32)}
	RegisterRioServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := DialTarget("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("DialTarget: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestEnumerateAndAttribute(t *testing.T) {
	c, _ := startRio(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devs, err := c.Enumerate(ctx)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(devs) != 1 || devs[0].Resource != "RIO0" {
		t.Fatalf("devices = %+v", devs)
	}
	pid, err := c.ProductNumber(ctx, "RIO0")
	if err != nil {
		t.Fatalf("ProductNumber: %v", err)
	}
	if pid != 0x76CA {
		t.Errorf("pid = 0x%x, want 0x76ca", pid)
	}
	if _, err := c.ProductNumber(ctx, "RIO7"); status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Errorf("unknown resource err = %v, want NotFound", err)
	}
}

func TestKernelProxySpaces(t *testing.T) {
	c, fake := startRio(t)
	zpu := c.KernelProxy("RIO0", SpaceZPU)
	kern := c.KernelProxy("RIO0", SpaceKernel)

	if err := zpu.Poke32(0x10, 5); err != nil {
		t.Fatalf("zpu poke: %v", err)
	}
	if err := kern.Poke32(0x10, 9); err != nil {
		t.Fatalf("kernel poke: %v", err)
	}
	if v, err := zpu.Peek32(0x10); err != nil || v != 5 {
		t.Errorf("zpu peek = %d, %v; want 5", v, err)
	}
	fake.mu.Lock()
	got := fake.words[SpaceKernel][0x10]
	fake.mu.Unlock()
	if got != 9 {
		t.Errorf("kernel word = %d, want 9", got)
	}
}

func TestDMAStream(t *testing.T) {
	c, _ := startRio(t)
	s, err := c.OpenDMA(context.Background(), "RIO0", 3)
	if err != nil {
		t.Fatalf("OpenDMA: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != 3 || got[0] != 3 || got[1] != 0xaa || got[2] != 0xbb {
		t.Errorf("echo = % x", got)
	}
}
