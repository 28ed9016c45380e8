package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/psaab/x3core/pkg/sid"
)

const (
	// MaxChannels is the number of PCIe DMA channels, control included.
	MaxChannels = 6

	// ControlChannel carries all multiplexed control traffic.
	ControlChannel = 0

	firstDataChannel = 1
)

// ChannelPool maps data streams to DMA channels. Channels are never
// returned to the pool.
type ChannelPool struct {
	mu    sync.Mutex
	chans map[sid.SID]uint32
}

// NewChannelPool creates an empty pool.
func NewChannelPool() *ChannelPool {
	return &ChannelPool{chans: make(map[sid.SID]uint32)}
}

// Allocate returns the channel for a stream. Control streams always get
// ControlChannel; a data SID gets the next free channel on first request
// and the same channel afterwards.
func (p *ChannelPool) Allocate(s sid.SID, kind Kind) (uint32, error) {
	if kind == Control {
		return ControlChannel, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.chans[s]; ok {
		return ch, nil
	}
	ch := uint32(len(p.chans) + firstDataChannel)
	if ch >= MaxChannels {
		return 0, fmt.Errorf("DMA channel for %v: %w", s, ErrResourceExhausted)
	}
	p.chans[s] = ch
	slog.Info("router: assigned DMA channel", "channel", ch, "sid", s)
	return ch, nil
}

// InUse returns the number of data channels assigned.
func (p *ChannelPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chans)
}
