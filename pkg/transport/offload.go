package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultOffloadTimeout is how long the offload goroutine waits on the
// inner transport before checking for shutdown.
const DefaultOffloadTimeout = 100 * time.Millisecond

// RecvOffload receives on a goroutine, queueing up to NumRecvFrames
// frames ahead of the caller. Send passes through.
type RecvOffload struct {
	inner   Transport
	frames  chan []byte
	timeout time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	err     error
	dropped uint64
}

var _ Transport = (*RecvOffload)(nil)

// NewRecvOffload starts receiving from inner.
func NewRecvOffload(inner Transport, depth int, timeout time.Duration) *RecvOffload {
	if depth <= 0 {
		depth = 1
	}
	if timeout <= 0 {
		timeout = DefaultOffloadTimeout
	}
	o := &RecvOffload{
		inner:   inner,
		frames:  make(chan []byte, depth),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
	o.wg.Add(1)
	go o.run()
	return o
}

func (o *RecvOffload) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}
		frame, err := o.inner.Recv(o.timeout)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			o.mu.Lock()
			o.err = err
			o.mu.Unlock()
			close(o.frames)
			return
		}
		select {
		case o.frames <- frame:
		case <-o.stopCh:
			return
		default:
			o.mu.Lock()
			o.dropped++
			o.mu.Unlock()
			slog.Debug("transport: offload queue full, frame dropped")
		}
	}
}

// Send implements Transport.
func (o *RecvOffload) Send(frame []byte) error { return o.inner.Send(frame) }

// Recv implements Transport.
func (o *RecvOffload) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-o.frames:
		if !ok {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.err != nil {
				return nil, o.err
			}
			return nil, ErrClosed
		}
		return frame, nil
	case <-o.stopCh:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (o *RecvOffload) SendFrameSize() int { return o.inner.SendFrameSize() }
func (o *RecvOffload) RecvFrameSize() int { return o.inner.RecvFrameSize() }

// Dropped returns the number of frames discarded because the queue was full.
func (o *RecvOffload) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close stops the offload goroutine and closes the inner transport.
func (o *RecvOffload) Close() error {
	var err error
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.wg.Wait()
		err = o.inner.Close()
	})
	return err
}
