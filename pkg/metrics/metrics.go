// Package metrics exports open device sessions to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/x3core/pkg/device"
)

// SnapshotSource lists the open sessions. *device.Host implements it.
type SnapshotSource interface {
	Snapshots() []device.Snapshot
}

// Collector implements prometheus.Collector, reading session state on each
// scrape.
type Collector struct {
	src SnapshotSource

	info          *prometheus.Desc
	refLocked     *prometheus.Desc
	linkRate      *prometheus.Desc
	frameSize     *prometheus.Desc
	claimBeats    *prometheus.Desc
	claimFailures *prometheus.Desc
	sids          *prometheus.Desc
	dmaChannels   *prometheus.Desc
	blocks        *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src SnapshotSource) *Collector {
	return &Collector{
		src: src,

		info: prometheus.NewDesc(
			"x3core_session_info",
			"Open motherboard session.",
			[]string{"id", "link", "product", "fpga", "fw_version", "fpga_version", "hw_rev", "clock_source"}, nil,
		),
		refLocked: prometheus.NewDesc(
			"x3core_ref_locked",
			"Whether every reference clock lock is held.",
			[]string{"id"}, nil,
		),
		linkRate: prometheus.NewDesc(
			"x3core_link_rate_bytes",
			"Aggregate link rate in bytes per second.",
			[]string{"id"}, nil,
		),
		frameSize: prometheus.NewDesc(
			"x3core_frame_size_bytes",
			"Negotiated Ethernet frame size.",
			[]string{"id", "direction"}, nil,
		),
		claimBeats: prometheus.NewDesc(
			"x3core_claim_heartbeats_total",
			"Successful claim heartbeat writes.",
			[]string{"id"}, nil,
		),
		claimFailures: prometheus.NewDesc(
			"x3core_claim_heartbeat_failures_total",
			"Failed claim heartbeat writes.",
			[]string{"id"}, nil,
		),
		sids: prometheus.NewDesc(
			"x3core_sids_allocated",
			"Stream IDs handed out on the device.",
			[]string{"id"}, nil,
		),
		dmaChannels: prometheus.NewDesc(
			"x3core_dma_channels_in_use",
			"PCIe DMA data channels assigned.",
			[]string{"id"}, nil,
		),
		blocks: prometheus.NewDesc(
			"x3core_blocks",
			"Computation engines reported by the FPGA.",
			[]string{"id"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.refLocked
	ch <- c.linkRate
	ch <- c.frameSize
	ch <- c.claimBeats
	ch <- c.claimFailures
	ch <- c.sids
	ch <- c.dmaChannels
	ch <- c.blocks
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Snapshots() {
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
			s.ID, s.Link.String(), s.Product, s.FPGAImage, s.FWVersion, s.FPGAVersion,
			strconv.Itoa(s.HWRevision), s.ClockSource)
		ch <- prometheus.MustNewConstMetric(c.refLocked, prometheus.GaugeValue, boolToFloat(s.RefLocked), s.ID)
		ch <- prometheus.MustNewConstMetric(c.linkRate, prometheus.GaugeValue, s.LinkRate, s.ID)
		if s.Link == device.LinkEthernet {
			ch <- prometheus.MustNewConstMetric(c.frameSize, prometheus.GaugeValue, float64(s.FrameSize.Recv), s.ID, "recv")
			ch <- prometheus.MustNewConstMetric(c.frameSize, prometheus.GaugeValue, float64(s.FrameSize.Send), s.ID, "send")
		}
		ch <- prometheus.MustNewConstMetric(c.claimBeats, prometheus.CounterValue, float64(s.ClaimBeats), s.ID)
		ch <- prometheus.MustNewConstMetric(c.claimFailures, prometheus.CounterValue, float64(s.ClaimFailures), s.ID)
		ch <- prometheus.MustNewConstMetric(c.sids, prometheus.GaugeValue, float64(s.SIDs), s.ID)
		if s.Link == device.LinkPCIe {
			ch <- prometheus.MustNewConstMetric(c.dmaChannels, prometheus.GaugeValue, float64(s.DMAChannels), s.ID)
		}
		ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(s.NumBlocks), s.ID)
	}
}

// Register registers a collector over src with reg.
func Register(reg prometheus.Registerer, src SnapshotSource) (*Collector, error) {
	c := NewCollector(src)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
