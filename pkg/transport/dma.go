package transport

import (
	"fmt"
	"sync"
	"time"
)

// DMAChannel is an open PCIe DMA channel. *nirpc.DMAStream implements it.
type DMAChannel interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// DMA is a transport over one DMA channel. Received frames are pumped by a
// goroutine into a queue of NumRecvFrames.
type DMA struct {
	ch      DMAChannel
	params  Params
	channel uint32

	sendMu sync.Mutex
	frames chan []byte

	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ Transport = (*DMA)(nil)

// NewDMA wraps an open channel.
func NewDMA(ch DMAChannel, channel uint32, p Params) *DMA {
	d := &DMA{
		ch:      ch,
		params:  p,
		channel: channel,
		frames:  make(chan []byte, max(p.NumRecvFrames, 1)),
		doneCh:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.pump()
	return d
}

func (d *DMA) pump() {
	defer d.wg.Done()
	defer close(d.frames)
	for {
		frame, err := d.ch.Recv()
		if err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			return
		}
		if len(frame) > d.params.RecvFrameSize {
			frame = frame[:d.params.RecvFrameSize]
		}
		select {
		case d.frames <- frame:
		case <-d.doneCh:
			return
		}
	}
}

// Channel returns the DMA channel number.
func (d *DMA) Channel() uint32 { return d.channel }

// Send implements Transport.
func (d *DMA) Send(frame []byte) error {
	if len(frame) > d.params.SendFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds send frame size %d", len(frame), d.params.SendFrameSize)
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.ch.Send(frame)
}

// Recv implements Transport.
func (d *DMA) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-d.frames:
		if !ok {
			return nil, d.closedErr()
		}
		return frame, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (d *DMA) closedErr() error {
	select {
	case <-d.doneCh:
		return ErrClosed
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return fmt.Errorf("DMA channel %d: %w", d.channel, d.err)
	}
	return ErrClosed
}

func (d *DMA) SendFrameSize() int { return d.params.SendFrameSize }
func (d *DMA) RecvFrameSize() int { return d.params.RecvFrameSize }

// Close closes the channel and waits for the pump to exit.
func (d *DMA) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.doneCh)
		err = d.ch.Close()
		d.wg.Wait()
	})
	return err
}
