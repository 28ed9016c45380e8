package device

import (
	"log/slog"

	"github.com/psaab/x3core/pkg/mtu"
)

// Snapshot is a point-in-time view of a session for monitoring.
type Snapshot struct {
	ID          string
	Link        LinkKind
	Product     string
	FPGAImage   string
	FWVersion   string
	FPGAVersion string
	HWRevision  int
	NumBlocks   uint32
	HasDRAM     bool

	ClockSource string
	RefLocked   bool
	LinkRate    float64
	FrameSize   mtu.FrameSize

	ClaimBeats    uint64
	ClaimFailures uint64
	SIDs          int
	DMAChannels   int
}

// Snapshot reads the session state. The reference lock is read from the
// device; a failed read reports unlocked.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.ID(),
		Link:        s.kind,
		Product:     s.product.String(),
		FPGAImage:   s.fpga,
		FWVersion:   s.fwVersion,
		FPGAVersion: s.fpgaVersion,
		HWRevision:  s.hwRev,
		NumBlocks:   s.numBlocks,
		HasDRAM:     s.hasDRAM,
		FrameSize:   s.frameSize,
		SIDs:        s.router.Allocated(),
	}
	if s.clock != nil {
		snap.ClockSource = string(s.clock.Current())
		locked, err := s.clock.RefLocked()
		if err != nil {
			slog.Debug("device: reading reference lock failed", "id", snap.ID, "err", err)
		}
		snap.RefLocked = locked
	}
	if s.factory != nil {
		snap.LinkRate = s.factory.LinkRate()
	}
	if s.claimer != nil {
		snap.ClaimBeats = s.claimer.Beats()
		snap.ClaimFailures = s.claimer.Failures()
	}
	if s.pool != nil {
		snap.DMAChannels = s.pool.InUse()
	}
	return snap
}
