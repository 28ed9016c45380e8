package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxMuxedStreams is the number of logical streams a Mux carries.
const MaxMuxedStreams = 32

// ErrTooManyStreams is returned when a Mux is full.
var ErrTooManyStreams = errors.New("transport: too many muxed streams")

// StreamKey extracts the demultiplexing key from a frame: the destination
// half of the SID in the second little-endian header word.
func StreamKey(frame []byte) (uint16, bool) {
	if len(frame) < 8 {
		return 0, false
	}
	return uint16(binary.LittleEndian.Uint32(frame[4:8])), true
}

// Mux shares one transport among several logical streams. Received
// frames are routed by StreamKey; frames for unknown streams are dropped.
type Mux struct {
	base  Transport
	depth int

	mu      sync.Mutex
	streams map[uint16]*muxStream

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	dropped uint64
}

// NewMux starts demultiplexing base. depth is the per-stream queue length.
func NewMux(base Transport, depth int) *Mux {
	m := &Mux{
		base:    base,
		depth:   max(depth, 1),
		streams: make(map[uint16]*muxStream),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Mux) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		frame, err := m.base.Recv(DefaultOffloadTimeout)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			slog.Debug("transport: mux receive stopped", "err", err)
			return
		}
		key, ok := StreamKey(frame)
		m.mu.Lock()
		s := m.streams[key]
		if !ok || s == nil {
			m.dropped++
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		select {
		case s.frames <- frame:
		default:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
		}
	}
}

// MakeStream creates the logical stream receiving frames keyed dst.
func (m *Mux) MakeStream(dst uint16) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[dst]; ok {
		return nil, fmt.Errorf("muxed stream %04x already exists", dst)
	}
	if len(m.streams) >= MaxMuxedStreams {
		return nil, ErrTooManyStreams
	}
	s := &muxStream{mux: m, key: dst, frames: make(chan []byte, m.depth), closed: make(chan struct{})}
	m.streams[dst] = s
	return s, nil
}

// Streams returns the number of open logical streams.
func (m *Mux) Streams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Dropped returns frames discarded for unknown or full streams.
func (m *Mux) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close stops demultiplexing and closes the base transport.
func (m *Mux) Close() error {
	var err error
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		err = m.base.Close()
	})
	return err
}

func (m *Mux) remove(key uint16) {
	m.mu.Lock()
	delete(m.streams, key)
	m.mu.Unlock()
}

type muxStream struct {
	mux    *Mux
	key    uint16
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *muxStream) Send(frame []byte) error { return s.mux.base.Send(frame) }

func (s *muxStream) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-s.mux.stopCh:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (s *muxStream) SendFrameSize() int { return s.mux.base.SendFrameSize() }
func (s *muxStream) RecvFrameSize() int { return s.mux.base.RecvFrameSize() }

// Close detaches the stream; the shared transport stays open.
func (s *muxStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mux.remove(s.key)
	})
	return nil
}
