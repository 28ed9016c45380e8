// Package config holds the driver tunables: service ports, timeouts and
// frame-size ceilings. Values load from YAML; device address hints
// override them per open.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as a Go duration
// string ("50ms", "30s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// FrameSize caps the frame size searched by the MTU prober.
type FrameSize struct {
	Recv int `yaml:"recv"`
	Send int `yaml:"send"`
}

// Driver is the full tunable set.
type Driver struct {
	FWPort   int    `yaml:"fw-port"`
	MTUPort  int    `yaml:"mtu-port"`
	VITAPort int    `yaml:"vita-port"`
	RPCPort  string `yaml:"rpc-port"`

	ProbeWindow     Duration `yaml:"probe-window"`
	ControlTimeout  Duration `yaml:"control-timeout"`
	ClaimInterval   Duration `yaml:"claim-interval"`
	MTURoundTimeout Duration `yaml:"mtu-round-timeout"`
	OffloadTimeout  Duration `yaml:"offload-timeout"`

	RefLockTimeout     Duration `yaml:"ref-lock-timeout"`
	BringupLockTimeout Duration `yaml:"bringup-lock-timeout"`
	FPGALockTimeout    Duration `yaml:"fpga-lock-timeout"`

	// MaxFrameSize bounds MTU discovery on every Ethernet link.
	MaxFrameSize FrameSize `yaml:"max-frame-size"`
}

// Default returns the values the hardware ships with.
func Default() Driver {
	return Driver{
		FWPort:   49152,
		MTUPort:  49158,
		VITAPort: 49153,
		RPCPort:  "5444",

		ProbeWindow:     Duration(50 * time.Millisecond),
		ControlTimeout:  Duration(500 * time.Millisecond),
		ClaimInterval:   Duration(time.Second),
		MTURoundTimeout: Duration(20 * time.Millisecond),
		OffloadTimeout:  Duration(100 * time.Millisecond),

		RefLockTimeout:     Duration(30 * time.Second),
		BringupLockTimeout: Duration(time.Second),
		FPGALockTimeout:    Duration(10 * time.Millisecond),

		MaxFrameSize: FrameSize{Recv: 8000, Send: 8000},
	}
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Driver, error) {
	d := Default()
	if len(data) == 0 {
		return d, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return Driver{}, fmt.Errorf("parse driver config: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Driver{}, err
	}
	return d, nil
}

// Load reads a YAML file.
func Load(path string) (Driver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Driver{}, fmt.Errorf("read driver config: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return Driver{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Validate checks ranges.
func (d Driver) Validate() error {
	for name, p := range map[string]int{"fw-port": d.FWPort, "mtu-port": d.MTUPort, "vita-port": d.VITAPort} {
		if p <= 0 || p > 0xffff {
			return fmt.Errorf("%s %d out of range", name, p)
		}
	}
	if d.RPCPort == "" {
		return fmt.Errorf("rpc-port is empty")
	}
	if d.MaxFrameSize.Recv <= 0 || d.MaxFrameSize.Send <= 0 {
		return fmt.Errorf("max-frame-size must be positive, got %d/%d",
			d.MaxFrameSize.Recv, d.MaxFrameSize.Send)
	}
	return nil
}
