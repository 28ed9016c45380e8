// Package nirpc is the bus-side vendor RPC: enumerating PCIe-attached
// devices, reading their attributes, register access through the kernel
// driver, and DMA channel streams. The service is grpc with CBOR messages.
package nirpc

// DefaultPort is the RPC server's default TCP port on localhost.
const DefaultPort = "5444"

// Space selects which register window a peek or poke addresses.
type Space uint8

const (
	// SpaceZPU is the motherboard control bus behind the PCIe bridge.
	SpaceZPU Space = iota
	// SpaceKernel is the PCIe bridge's own registers (DMA router, etc).
	SpaceKernel
)

func (s Space) String() string {
	switch s {
	case SpaceZPU:
		return "zpu"
	case SpaceKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// AttrProductNumber is the attribute holding the PCIe subsystem ID.
const AttrProductNumber = "product-number"

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	Resource      string `cbor:"1,keyasint"`
	InterfacePath string `cbor:"2,keyasint,omitempty"`
}

type EnumerateRequest struct{}

type EnumerateResponse struct {
	Devices []DeviceInfo `cbor:"1,keyasint"`
}

type AttributeRequest struct {
	Resource string `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
}

type AttributeResponse struct {
	Value uint32 `cbor:"1,keyasint"`
}

type PeekRequest struct {
	Resource string `cbor:"1,keyasint"`
	Space    Space  `cbor:"2,keyasint"`
	Addr     uint32 `cbor:"3,keyasint"`
}

type PeekResponse struct {
	Data uint32 `cbor:"1,keyasint"`
}

type PokeRequest struct {
	Resource string `cbor:"1,keyasint"`
	Space    Space  `cbor:"2,keyasint"`
	Addr     uint32 `cbor:"3,keyasint"`
	Data     uint32 `cbor:"4,keyasint"`
}

type PokeResponse struct{}

// DMAFrame is one message on a DMA stream. The first frame a client sends
// opens the channel and carries Resource and Channel only; later frames
// carry data in the stream's direction.
type DMAFrame struct {
	Resource string `cbor:"1,keyasint,omitempty"`
	Channel  uint32 `cbor:"2,keyasint,omitempty"`
	Data     []byte `cbor:"3,keyasint,omitempty"`
}
