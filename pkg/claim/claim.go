// Package claim implements device ownership: a per-process identity, the
// firmware claim words, and a heartbeat that keeps a claim alive while a
// session is open.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/psaab/x3core/pkg/regs"
)

// ErrClaimed is returned when a device is owned by another process.
var ErrClaimed = errors.New("device claimed by another process")

// DefaultInterval is the heartbeat period.
const DefaultInterval = 1 * time.Second

var (
	claimStatusAddr = regs.ShmemAddr(regs.ShmemClaimStatus)
	claimTimeAddr   = regs.ShmemAddr(regs.ShmemClaimTime)
	claimSrcAddr    = regs.ShmemAddr(regs.ShmemClaimSrc)
)

// Arbiter owns this process's claim identity and serializes every claim
// read and write across all devices.
type Arbiter struct {
	mu       sync.Mutex
	identity uint32
}

// NewArbiter creates an arbiter with a fresh process identity.
func NewArbiter() *Arbiter {
	return NewArbiterWithIdentity(ProcessIdentity())
}

// NewArbiterWithIdentity creates an arbiter with a fixed identity.
func NewArbiterWithIdentity(id uint32) *Arbiter {
	return &Arbiter{identity: id}
}

// Identity returns the value written to the claim-source word.
func (a *Arbiter) Identity() uint32 {
	return a.identity
}

// ProcessIdentity hashes the host name, pid and a random token into the
// 32-bit value the firmware stores as the claim source.
func ProcessIdentity() uint32 {
	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
	return uint32(xxhash.Sum64String(seed))
}

// IsClaimed reports whether the device behind iface is owned by a different
// process. A device claimed with this arbiter's identity is not claimed.
func (a *Arbiter) IsClaimed(iface regs.Iface) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	status, err := iface.Peek32(claimStatusAddr)
	if err != nil {
		return false, fmt.Errorf("read claim status: %w", err)
	}
	if status == 0 {
		return false, nil
	}
	src, err := iface.Peek32(claimSrcAddr)
	if err != nil {
		return false, fmt.Errorf("read claim source: %w", err)
	}
	return src != a.identity, nil
}

// claim writes the claim time and source words.
func (a *Arbiter) claim(iface regs.Iface, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := iface.Poke32(claimTimeAddr, uint32(now.Unix())); err != nil {
		return err
	}
	return iface.Poke32(claimSrcAddr, a.identity)
}

// unclaim zeroes both claim words.
func (a *Arbiter) unclaim(iface regs.Iface) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := iface.Poke32(claimTimeAddr, 0); err != nil {
		return err
	}
	return iface.Poke32(claimSrcAddr, 0)
}

// Claimer refreshes the claim on one device until stopped.
type Claimer struct {
	arb      *Arbiter
	iface    regs.Iface
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	beats    atomic.Uint64
	failures atomic.Uint64
}

// NewClaimer creates a heartbeat for iface. A zero interval uses
// DefaultInterval.
func NewClaimer(arb *Arbiter, iface regs.Iface, interval time.Duration) *Claimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Claimer{arb: arb, iface: iface, interval: interval}
}

// Start begins the heartbeat. The first claim is written before Start
// returns. Calling Start again restarts the loop.
func (c *Claimer) Start(ctx context.Context) {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.beat()
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the heartbeat and waits for it to exit. The claim words are
// left as last written.
func (c *Claimer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

// Release stops the heartbeat and clears the claim.
func (c *Claimer) Release() error {
	c.Stop()
	if err := c.arb.unclaim(c.iface); err != nil {
		return fmt.Errorf("clear claim: %w", err)
	}
	return nil
}

// Beats returns the number of successful heartbeat writes.
func (c *Claimer) Beats() uint64 { return c.beats.Load() }

// Failures returns the number of failed heartbeat writes.
func (c *Claimer) Failures() uint64 { return c.failures.Load() }

func (c *Claimer) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat()
		}
	}
}

func (c *Claimer) beat() {
	if err := c.arb.claim(c.iface, time.Now()); err != nil {
		c.failures.Add(1)
		slog.Warn("claim: heartbeat write failed", "err", err)
		return
	}
	c.beats.Add(1)
}
