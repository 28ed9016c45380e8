package nirpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/psaab/x3core/pkg/regs"
)

// DefaultTimeout bounds each register access through a KernelProxy.
const DefaultTimeout = 2 * time.Second

// Client is a connection to the local Rio server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the Rio server on localhost:port. An empty port uses
// DefaultPort.
func Dial(port string, opts ...grpc.DialOption) (*Client, error) {
	if port == "" {
		port = DefaultPort
	}
	return DialTarget(net.JoinHostPort("localhost", port), opts...)
}

// DialTarget connects to the Rio server at a grpc target.
func DialTarget(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("rio client %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Enumerate lists the devices the kernel driver knows about.
func (c *Client) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	out := new(EnumerateResponse)
	if err := c.conn.Invoke(ctx, methodEnumerate, &EnumerateRequest{}, out); err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	return out.Devices, nil
}

// ProductNumber reads the PCIe subsystem ID of resource.
func (c *Client) ProductNumber(ctx context.Context, resource string) (uint32, error) {
	out := new(AttributeResponse)
	req := &AttributeRequest{Resource: resource, Name: AttrProductNumber}
	if err := c.conn.Invoke(ctx, methodGetAttribute, req, out); err != nil {
		return 0, fmt.Errorf("%s: get %s: %w", resource, AttrProductNumber, err)
	}
	return out.Value, nil
}

// Peek32 reads a register in space on resource.
func (c *Client) Peek32(ctx context.Context, resource string, space Space, addr uint32) (uint32, error) {
	out := new(PeekResponse)
	req := &PeekRequest{Resource: resource, Space: space, Addr: addr}
	if err := c.conn.Invoke(ctx, methodPeek32, req, out); err != nil {
		return 0, err
	}
	return out.Data, nil
}

// Poke32 writes a register in space on resource.
func (c *Client) Poke32(ctx context.Context, resource string, space Space, addr, data uint32) error {
	req := &PokeRequest{Resource: resource, Space: space, Addr: addr, Data: data}
	return c.conn.Invoke(ctx, methodPoke32, req, new(PokeResponse))
}

// KernelProxy returns a register interface into one address space of
// resource.
func (c *Client) KernelProxy(resource string, space Space) *KernelProxy {
	return &KernelProxy{client: c, resource: resource, space: space, timeout: DefaultTimeout}
}

// KernelProxy adapts the RPC register calls to regs.Iface.
type KernelProxy struct {
	client   *Client
	resource string
	space    Space
	timeout  time.Duration
}

var _ regs.Iface = (*KernelProxy)(nil)

// Resource returns the resource name the proxy addresses.
func (p *KernelProxy) Resource() string { return p.resource }

// Peek32 implements regs.Iface.
func (p *KernelProxy) Peek32(addr uint32) (uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	v, err := p.client.Peek32(ctx, p.resource, p.space, addr)
	if err != nil {
		return 0, fmt.Errorf("%s %s peek 0x%x: %w", p.resource, p.space, addr, err)
	}
	return v, nil
}

// Poke32 implements regs.Iface.
func (p *KernelProxy) Poke32(addr, data uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Poke32(ctx, p.resource, p.space, addr, data); err != nil {
		return fmt.Errorf("%s %s poke 0x%x: %w", p.resource, p.space, addr, err)
	}
	return nil
}

// DMAStream is the host end of one DMA channel.
type DMAStream struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	channel uint32
}

// OpenDMA opens channel on resource. The stream lives until Close.
func (c *Client) OpenDMA(ctx context.Context, resource string, channel uint32) (*DMAStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &rioServiceDesc.Streams[0], methodDMA)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: open DMA channel %d: %w", resource, channel, err)
	}
	if err := stream.SendMsg(&DMAFrame{Resource: resource, Channel: channel}); err != nil {
		cancel()
		return nil, fmt.Errorf("%s: open DMA channel %d: %w", resource, channel, err)
	}
	return &DMAStream{stream: stream, cancel: cancel, channel: channel}, nil
}

// Channel returns the DMA channel number.
func (s *DMAStream) Channel() uint32 { return s.channel }

// Send transfers one frame to the device.
func (s *DMAStream) Send(data []byte) error {
	return s.stream.SendMsg(&DMAFrame{Data: data})
}

// Recv blocks for the next frame from the device.
func (s *DMAStream) Recv() ([]byte, error) {
	f := new(DMAFrame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f.Data, nil
}

// Close ends the stream.
func (s *DMAStream) Close() error {
	err := s.stream.CloseSend()
	s.cancel()
	return err
}
